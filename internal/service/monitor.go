package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
	"github.com/arvio/clipd/internal/port"
)

type MonitorConfig struct {
	Interval        time.Duration
	StallThreshold  time.Duration
	MaxJobAge       time.Duration
	MaxAttempts     int
	RecordRetention time.Duration // terminal records older than this are pruned, 0 keeps them
}

// Monitor sweeps processing jobs for stalls and runaway age. A stalled
// job is restarted through the orchestrator, at most once per sweep; a
// job past MaxJobAge or out of attempts is force-failed instead.
type Monitor struct {
	store port.RecordStore
	orch  *Orchestrator
	cfg   MonitorConfig

	mu   sync.Mutex
	seen map[string]observation

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// observation is the progress baseline from an earlier sweep, tied to
// one attempt through its start time.
type observation struct {
	startedAt time.Time
	progress  int
}

func NewMonitor(store port.RecordStore, orch *Orchestrator, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2 * time.Minute
	}
	return &Monitor{
		store:  store,
		orch:   orch,
		cfg:    cfg,
		seen:   make(map[string]observation),
		stopCh: make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	logger.Info.Printf("health monitor started (interval=%s, stall=%s, max_age=%s)",
		m.cfg.Interval, m.cfg.StallThreshold, m.cfg.MaxJobAge)
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(time.Now().UTC())
		}
	}
}

// RunOnce performs a single sweep at the given time.
func (m *Monitor) RunOnce(now time.Time) {
	recs, err := m.store.ListByStatus(domain.JobStatusProcessing)
	if err != nil {
		logger.Error.Printf("monitor: list processing jobs: %v", err)
		return
	}

	alive := make(map[string]bool, len(recs))
	for _, rec := range recs {
		alive[rec.ID] = true
		m.inspect(rec, now)
	}

	m.mu.Lock()
	for id := range m.seen {
		if !alive[id] {
			delete(m.seen, id)
		}
	}
	m.mu.Unlock()

	if m.cfg.RecordRetention > 0 {
		n, err := m.store.PruneTerminal(now.Add(-m.cfg.RecordRetention))
		if err != nil {
			logger.Error.Printf("monitor: prune terminal records: %v", err)
		} else if n > 0 {
			logger.Info.Printf("monitor: pruned %d old job records", n)
		}
	}
}

func (m *Monitor) inspect(rec *domain.JobRecord, now time.Time) {
	if rec.StartedAt == nil {
		return
	}

	// Age ceiling beats everything else, even visible progress.
	if m.cfg.MaxJobAge > 0 && now.Sub(*rec.StartedAt) > m.cfg.MaxJobAge {
		msg := fmt.Sprintf("ran past max job age %s", m.cfg.MaxJobAge)
		if _, err := m.orch.ForceFail(rec.ID, msg); err != nil {
			logger.Error.Printf("monitor: job %s: %v", rec.ID, err)
		}
		m.forget(rec.ID)
		return
	}

	idle := now.Sub(rec.UpdatedAt)
	if idle <= m.cfg.StallThreshold {
		m.remember(rec)
		return
	}

	if rec.Progress > 0 && !m.sawNoAdvance(rec) {
		// First stale sighting with nonzero progress: baseline it and
		// give the attempt one more sweep.
		m.remember(rec)
		return
	}

	if m.cfg.MaxAttempts > 0 && rec.Attempts >= m.cfg.MaxAttempts {
		msg := fmt.Sprintf("stalled after using all %d attempts", rec.Attempts)
		if _, err := m.orch.ForceFail(rec.ID, msg); err != nil {
			logger.Error.Printf("monitor: job %s: %v", rec.ID, err)
		}
		m.forget(rec.ID)
		return
	}

	logger.Warn.Printf("job %s stalled at %d%% (idle %s), restarting", rec.ID, rec.Progress, idle.Round(time.Second))
	if _, err := m.orch.Restart(rec.ID); err != nil {
		logger.Error.Printf("monitor: job %s: restart: %v", rec.ID, err)
	}
	m.forget(rec.ID)
}

func (m *Monitor) remember(rec *domain.JobRecord) {
	m.mu.Lock()
	m.seen[rec.ID] = observation{startedAt: *rec.StartedAt, progress: rec.Progress}
	m.mu.Unlock()
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
}

// sawNoAdvance reports whether an earlier sweep already observed this
// attempt at the same or higher progress.
func (m *Monitor) sawNoAdvance(rec *domain.JobRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.seen[rec.ID]
	return ok && obs.startedAt.Equal(*rec.StartedAt) && rec.Progress <= obs.progress
}
