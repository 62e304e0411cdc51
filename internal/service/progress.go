package service

import (
	"sync"
	"time"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
	"github.com/arvio/clipd/internal/port"
)

// Record writes are throttled: progress is persisted when it moved at
// least persistDelta points or persistInterval passed since the last
// write. Events go out on every change.
const (
	persistDelta    = 5
	persistInterval = 3 * time.Second
)

// progressTracker folds per-stage fractions into one job percentage,
// persists it, and publishes progress events. The percentage never goes
// backwards within an attempt; 100 is reserved for completion.
type progressTracker struct {
	jobID  string
	shares map[string]float64
	store  port.RecordStore
	events EventPublisher

	mu        sync.Mutex
	fractions map[string]float64
	percent   int
	persisted int
	lastWrite time.Time
}

func newProgressTracker(jobID string, plan domain.StagePlan, store port.RecordStore, events EventPublisher) *progressTracker {
	return &progressTracker{
		jobID:     jobID,
		shares:    plan.WorkShares(),
		store:     store,
		events:    events,
		fractions: make(map[string]float64),
	}
}

// stageProgress implements port.ProgressFunc.
func (p *progressTracker) stageProgress(stage string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	p.mu.Lock()
	if fraction < p.fractions[stage] {
		fraction = p.fractions[stage]
	}
	p.fractions[stage] = fraction

	overall := 0.0
	for s, f := range p.fractions {
		overall += p.shares[s] * f
	}
	pct := int(overall * 100)
	if pct > 99 {
		pct = 99
	}
	if pct < p.percent {
		pct = p.percent
	}
	changed := pct != p.percent
	p.percent = pct

	persist := changed && (pct-p.persisted >= persistDelta || time.Since(p.lastWrite) >= persistInterval)
	if persist {
		p.persisted = pct
		p.lastWrite = time.Now()
	}
	p.mu.Unlock()

	if persist {
		if _, err := p.store.UpdateIf(p.jobID,
			[]domain.JobStatus{domain.JobStatusProcessing},
			domain.RecordPatch{Progress: &pct}); err != nil {
			logger.Error.Printf("job %s: persist progress: %v", p.jobID, err)
		}
	}
	if changed && p.events != nil {
		p.events.Publish(domain.ProgressEvent{
			JobID:        p.jobID,
			Status:       domain.JobStatusProcessing,
			Percent:      pct,
			Stage:        stage,
			StagePercent: int(fraction * 100),
			Timestamp:    time.Now().UTC(),
		})
	}
}

// completeStage marks a stage fully done.
func (p *progressTracker) completeStage(stage string) {
	p.stageProgress(stage, 1)
}

func (p *progressTracker) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}
