package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
	"github.com/arvio/clipd/internal/infrastructure/ratelimit"
	"github.com/arvio/clipd/internal/port"
)

// EventPublisher is the broadcast surface the services need.
type EventPublisher interface {
	Publish(ev domain.ProgressEvent)
}

type OrchestratorConfig struct {
	MaxConcurrent   int // simultaneously processing jobs
	MaxActivePerKey int // admission ceiling per work key, default 1
	MaxAttempts     int // lifetime attempts per job, 0 means unlimited
}

// Orchestrator owns the job lifecycle: admission, deadline budgeting,
// stage execution, cancellation and restart. Every record write goes
// through a status-guarded patch, so a superseded attempt can never
// overwrite the state left by a newer one.
type Orchestrator struct {
	store      port.RecordStore
	runner     port.StageRunner
	prober     port.SourceProber
	calc       *domain.DeadlineCalculator
	events     EventPublisher
	cfg        OrchestratorConfig
	slots      *semaphore.Weighted
	retryPause *ratelimit.Backoff

	submitMu sync.Mutex // serializes admission checks

	mu       sync.Mutex
	attempts map[string]*attempt

	wg sync.WaitGroup
}

// attempt is the in-process state of one run of a job.
type attempt struct {
	jobID      string
	token      *domain.CancelToken
	deadline   *domain.JobDeadline
	superseded atomic.Bool
}

// NewOrchestrator wires the job lifecycle together. The prober is
// optional; without one, submissions must carry their own source
// duration and size.
func NewOrchestrator(store port.RecordStore, runner port.StageRunner, prober port.SourceProber, calc *domain.DeadlineCalculator, events EventPublisher, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxActivePerKey <= 0 {
		cfg.MaxActivePerKey = 1
	}
	return &Orchestrator{
		store:      store,
		runner:     runner,
		prober:     prober,
		calc:       calc,
		events:     events,
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retryPause: ratelimit.NewBackoff(200*time.Millisecond, 2*time.Second, 2.0),
		attempts:   make(map[string]*attempt),
	}
}

// Submit validates and admits a new job, then starts processing it in
// the background. At most one active job may exist per work key.
func (o *Orchestrator) Submit(desc domain.WorkDescription) (*domain.JobRecord, error) {
	if err := o.fillComplexity(&desc); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	active, err := o.store.ActiveByKey(desc.Key)
	if err != nil {
		return nil, fmt.Errorf("check active jobs for key: %w", err)
	}
	if len(active) >= o.cfg.MaxActivePerKey {
		return nil, fmt.Errorf("%w: job %s", domain.ErrDuplicateJob, active[0].ID)
	}

	rec, err := domain.NewJobRecord(desc)
	if err != nil {
		return nil, err
	}
	if err := o.store.Create(rec); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	logger.Info.Printf("job %s submitted (key=%s, outputs=%d)", rec.ID, logger.Sanitize(desc.Key), desc.OperationCount())
	o.start(rec.ID, desc)
	return rec, nil
}

// fillComplexity probes the source for any budgeting input the
// submission left out. A source that cannot be probed cannot be
// scheduled honestly, so the submission is rejected as invalid.
func (o *Orchestrator) fillComplexity(desc *domain.WorkDescription) error {
	if o.prober == nil || desc.SourcePath == "" {
		return nil
	}
	if desc.SourceDuration > 0 && desc.SourceSizeBytes > 0 {
		return nil
	}

	info, err := o.prober.ProbeSource(desc.SourcePath)
	if err != nil {
		return fmt.Errorf("%w: probe %s: %v", domain.ErrInvalidInput, logger.Sanitize(desc.SourcePath), err)
	}
	if desc.SourceDuration <= 0 {
		desc.SourceDuration = info.Duration
	}
	if desc.SourceSizeBytes <= 0 {
		desc.SourceSizeBytes = info.SizeBytes
	}
	logger.Debug.Printf("probed %s: %s, %s, %s",
		logger.Sanitize(desc.SourcePath), info.Format,
		domain.FormatDuration(info.Duration), domain.FormatSize(info.SizeBytes))
	return nil
}

// Job returns the current record for one job.
func (o *Orchestrator) Job(id string) (*domain.JobRecord, error) {
	return o.store.Get(id)
}

// Jobs lists the most recent records.
func (o *Orchestrator) Jobs(limit int) ([]*domain.JobRecord, error) {
	return o.store.List(limit)
}

// Restart re-runs a failed or cancelled job, superseding any attempt
// still in flight. Progress and errors reset; the attempt counter
// carries across restarts.
func (o *Orchestrator) Restart(id string) (*domain.JobRecord, error) {
	rec, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case domain.JobStatusFailed, domain.JobStatusCancelled, domain.JobStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidState, id, rec.Status)
	}
	if o.cfg.MaxAttempts > 0 && rec.Attempts >= o.cfg.MaxAttempts {
		return nil, fmt.Errorf("%w: job %s used all %d attempts", domain.ErrInvalidState, id, rec.Attempts)
	}

	desc, err := rec.Work()
	if err != nil {
		return nil, fmt.Errorf("job %s work description: %w", id, err)
	}

	logger.Info.Printf("job %s restarting (attempt %d)", id, rec.Attempts+1)
	o.start(id, desc)
	return rec, nil
}

// Cancel stops a job. A live attempt is cancelled through its token; a
// record orphaned by an earlier process is finalized directly.
func (o *Orchestrator) Cancel(id string, reason domain.CancelReason) error {
	rec, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidState, id, rec.Status)
	}

	o.mu.Lock()
	att := o.attempts[id]
	o.mu.Unlock()
	if att != nil && !att.superseded.Load() {
		att.token.CancelNow(reason)
		return nil
	}

	st := domain.JobStatusCancelled
	msg := fmt.Sprintf("cancelled (%s)", reason)
	now := time.Now().UTC()
	ok, err := o.store.UpdateIf(id,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		domain.RecordPatch{Status: &st, ErrorMessage: &msg, CompletedAt: &now})
	if err != nil {
		return fmt.Errorf("finalize cancelled job: %w", err)
	}
	if ok {
		logger.Info.Printf("job %s cancelled (%s)", id, reason)
		o.publishTerminal(id, domain.JobStatusCancelled, rec.Progress, msg)
	}
	return nil
}

// ForceFail finalizes a job as failed regardless of what its attempt is
// doing, cancelling the attempt if it lives in this process. The health
// monitor uses this for jobs past their age or attempt ceilings.
func (o *Orchestrator) ForceFail(id, msg string) (bool, error) {
	rec, err := o.store.Get(id)
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	att := o.attempts[id]
	o.mu.Unlock()
	if att != nil {
		att.superseded.Store(true)
		att.token.CancelNow(domain.CancelReasonForced)
	}

	st := domain.JobStatusFailed
	now := time.Now().UTC()
	ok, err := o.store.UpdateIf(id,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		domain.RecordPatch{Status: &st, ErrorMessage: &msg, CompletedAt: &now})
	if err != nil {
		return false, err
	}
	if ok {
		logger.Warn.Printf("job %s force-failed: %s", id, msg)
		o.publishTerminal(id, domain.JobStatusFailed, rec.Progress, msg)
	}
	return ok, nil
}

// Recover restarts work left over from a previous process: processing
// records whose attempts died with it, and pending records that never
// started.
func (o *Orchestrator) Recover() error {
	recovered := 0
	for _, status := range []domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusPending} {
		recs, err := o.store.ListByStatus(status)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, rec := range recs {
			o.mu.Lock()
			_, live := o.attempts[rec.ID]
			o.mu.Unlock()
			if live {
				continue
			}

			desc, err := rec.Work()
			if err != nil {
				o.finalizeOrphan(rec, fmt.Sprintf("unreadable work description: %v", err))
				continue
			}
			if o.cfg.MaxAttempts > 0 && rec.Attempts >= o.cfg.MaxAttempts {
				o.finalizeOrphan(rec, fmt.Sprintf("interrupted after using all %d attempts", rec.Attempts))
				continue
			}
			logger.Info.Printf("job %s: resuming after interruption (attempt %d)", rec.ID, rec.Attempts+1)
			o.start(rec.ID, desc)
			recovered++
		}
	}
	if recovered > 0 {
		logger.Info.Printf("recovered %d interrupted jobs", recovered)
	}
	return nil
}

// Close cancels every live attempt and waits for their goroutines.
// Interrupted records stay processing so the next boot can recover
// them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	atts := make([]*attempt, 0, len(o.attempts))
	for _, att := range o.attempts {
		atts = append(atts, att)
	}
	o.mu.Unlock()

	for _, att := range atts {
		att.token.CancelNow(domain.CancelReasonForced)
	}
	o.wg.Wait()
}

// start registers a fresh attempt, superseding any previous one, and
// launches it.
func (o *Orchestrator) start(jobID string, desc domain.WorkDescription) {
	att := &attempt{jobID: jobID, token: domain.NewCancelToken()}

	o.mu.Lock()
	if prev := o.attempts[jobID]; prev != nil {
		prev.superseded.Store(true)
		prev.token.CancelNow(domain.CancelReasonSuperseded)
	}
	o.attempts[jobID] = att
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(att, desc)
	}()
}

func (o *Orchestrator) run(att *attempt, desc domain.WorkDescription) {
	defer o.clearAttempt(att)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	att.token.OnCancel(func(domain.CancelReason) { cancel() })

	// Wait for a processing slot. The deadline is not armed yet, but an
	// explicit cancel must still release a queued job.
	if err := o.slots.Acquire(ctx, 1); err != nil {
		o.concludeCancelled(att, 0)
		return
	}
	defer o.slots.Release(1)

	if att.superseded.Load() {
		return
	}
	if att.token.Cancelled() {
		o.concludeCancelled(att, 0)
		return
	}

	startedAt := time.Now().UTC()
	st := domain.JobStatusProcessing
	zero := 0
	empty := ""
	ok, err := o.store.UpdateIf(att.jobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusFailed, domain.JobStatusCancelled},
		domain.RecordPatch{
			Status:         &st,
			Progress:       &zero,
			ErrorMessage:   &empty,
			Output:         &empty,
			StartedAt:      &startedAt,
			IncAttempts:    true,
			ClearCompleted: true,
		})
	if err != nil {
		logger.Error.Printf("job %s: mark processing: %v", att.jobID, err)
		return
	}
	if !ok {
		// The record was finalized elsewhere in the meantime.
		return
	}

	deadline, err := o.calc.Compute(startedAt, domain.ComplexityFrom(desc))
	if err != nil {
		o.finalize(att, domain.JobStatusFailed, 0, fmt.Sprintf("deadline computation: %v", err))
		return
	}
	att.deadline = deadline
	att.token.Arm(deadline.Deadline)
	logger.Info.Printf("job %s: budget %s (deadline %s)", att.jobID, deadline.Total, deadline.Deadline.Format(time.RFC3339))

	plan := domain.PlanStages(att.jobID, desc)
	tracker := newProgressTracker(att.jobID, plan, o.store, o.events)
	o.publishProcessing(att.jobID)

	artifacts, skipped, runErr := o.runPlan(att, plan, tracker)
	if runErr != nil {
		o.concludeError(att, tracker.current(), runErr)
		return
	}

	manifest := domain.OutputManifest{Artifacts: artifacts, Skipped: skipped}
	out, err := manifest.Encode()
	if err != nil {
		o.finalize(att, domain.JobStatusFailed, tracker.current(), err.Error())
		return
	}

	att.token.Release()

	msg := ""
	if len(skipped) > 0 {
		msg = "skipped optional stages: " + strings.Join(skipped, ", ")
	}
	done := domain.JobStatusCompleted
	hundred := 100
	now := time.Now().UTC()
	ok, err = o.store.UpdateIf(att.jobID,
		[]domain.JobStatus{domain.JobStatusProcessing},
		domain.RecordPatch{Status: &done, Progress: &hundred, Output: &out, CompletedAt: &now})
	if err != nil {
		logger.Error.Printf("job %s: mark completed: %v", att.jobID, err)
		return
	}
	if !ok {
		logger.Warn.Printf("job %s finished but its record moved on; result dropped", att.jobID)
		return
	}
	logger.Info.Printf("job %s completed in %s (%d artifacts)", att.jobID, time.Since(startedAt).Round(time.Millisecond), len(artifacts))
	o.publishTerminal(att.jobID, domain.JobStatusCompleted, 100, msg)
}

// runPlan executes the stage groups in order, stages within a group
// concurrently. Optional stages that fail are skipped; any other
// failure aborts the plan.
func (o *Orchestrator) runPlan(att *attempt, plan domain.StagePlan, tracker *progressTracker) ([]domain.Artifact, []string, error) {
	var (
		mu        sync.Mutex
		artifacts []domain.Artifact
		skipped   []string
	)

	for _, group := range plan.Groups {
		if att.token.Cancelled() {
			return nil, nil, domain.NewStageError("", domain.FailureCancelled, errors.New("attempt cancelled"))
		}

		var g errgroup.Group
		for _, spec := range group {
			if spec.Name == domain.StagePublish {
				spec.Inputs = artifacts
			}
			g.Go(func() error {
				res := o.runStage(att, spec, tracker)
				if res.OK() {
					mu.Lock()
					if spec.Name == domain.StagePublish {
						// Publish reports the final resting paths, which
						// replace the staging paths gathered so far.
						artifacts = res.Artifacts
					} else {
						artifacts = append(artifacts, res.Artifacts...)
					}
					mu.Unlock()
					tracker.completeStage(spec.Name)
					return nil
				}
				if spec.Optional && res.Err.Class != domain.FailureCancelled {
					logger.Warn.Printf("job %s: optional stage %s failed, continuing without it: %v", att.jobID, spec.Name, res.Err)
					mu.Lock()
					skipped = append(skipped, spec.Name)
					mu.Unlock()
					tracker.completeStage(spec.Name)
					return nil
				}
				return res.Err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}
	return artifacts, skipped, nil
}

// runStage executes one stage within its budget, retrying once on
// transient IO if the job deadline leaves room.
func (o *Orchestrator) runStage(att *attempt, spec domain.StageSpec, tracker *progressTracker) domain.StageResult {
	budget := att.deadline.StageBudget(spec.Name)
	if remaining := att.deadline.Remaining(time.Now().UTC()); budget > remaining || budget == 0 {
		budget = remaining
	}
	if budget <= 0 {
		return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureCancelled, errors.New("time budget exhausted"))}
	}

	res := o.runner.RunStage(spec, budget, att.token, tracker.stageProgress)
	if res.Err == nil || !res.Err.Class.Retryable() || att.token.Cancelled() {
		return res
	}

	// Give a blinking disk or socket a moment to settle.
	select {
	case <-att.token.Done():
		return res
	case <-time.After(o.retryPause.Duration(1)):
	}

	remaining := att.deadline.Remaining(time.Now().UTC())
	if remaining <= 0 {
		return res
	}
	if remaining < budget {
		budget = remaining
	}
	logger.Warn.Printf("job %s: stage %s hit transient trouble, retrying once: %v", att.jobID, spec.Name, res.Err)
	res = o.runner.RunStage(spec, budget, att.token, tracker.stageProgress)
	if res.Err != nil && res.Err.Class == domain.FailureTransientIO {
		res.Err = domain.NewStageError(spec.Name, domain.FailureStageFatal,
			fmt.Errorf("transient failure persisted after retry: %w", res.Err))
	}
	return res
}

// concludeError finalizes the record after a failed or cancelled plan.
func (o *Orchestrator) concludeError(att *attempt, percent int, err error) {
	var se *domain.StageError
	if errors.As(err, &se) && se.Class == domain.FailureCancelled {
		o.concludeCancelled(att, percent)
		return
	}
	o.finalize(att, domain.JobStatusFailed, percent, err.Error())
}

// concludeCancelled translates the token reason into a final record
// state. Superseded and forced attempts write nothing: the record now
// belongs to the successor, or to recovery at next boot.
func (o *Orchestrator) concludeCancelled(att *attempt, percent int) {
	switch att.token.Reason() {
	case domain.CancelReasonUser:
		o.finalize(att, domain.JobStatusCancelled, percent, "cancelled by user")
	case domain.CancelReasonDeadline:
		msg := "deadline exceeded"
		if att.deadline != nil {
			msg = fmt.Sprintf("deadline exceeded (budget %s)", att.deadline.Total)
		}
		o.finalize(att, domain.JobStatusFailed, percent, msg)
	}
}

func (o *Orchestrator) finalize(att *attempt, status domain.JobStatus, percent int, msg string) {
	att.token.Release()

	now := time.Now().UTC()
	ok, err := o.store.UpdateIf(att.jobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		domain.RecordPatch{Status: &status, ErrorMessage: &msg, CompletedAt: &now})
	if err != nil {
		logger.Error.Printf("job %s: finalize %s: %v", att.jobID, status, err)
		return
	}
	if !ok {
		return
	}
	if status == domain.JobStatusFailed {
		logger.Error.Printf("job %s failed: %s", att.jobID, msg)
	} else {
		logger.Info.Printf("job %s %s: %s", att.jobID, status, msg)
	}
	o.publishTerminal(att.jobID, status, percent, msg)
}

func (o *Orchestrator) finalizeOrphan(rec *domain.JobRecord, msg string) {
	st := domain.JobStatusFailed
	now := time.Now().UTC()
	ok, err := o.store.UpdateIf(rec.ID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing},
		domain.RecordPatch{Status: &st, ErrorMessage: &msg, CompletedAt: &now})
	if err != nil {
		logger.Error.Printf("job %s: finalize orphan: %v", rec.ID, err)
		return
	}
	if ok {
		logger.Warn.Printf("job %s failed without restart: %s", rec.ID, msg)
		o.publishTerminal(rec.ID, domain.JobStatusFailed, rec.Progress, msg)
	}
}

func (o *Orchestrator) clearAttempt(att *attempt) {
	att.token.Release()
	o.mu.Lock()
	if o.attempts[att.jobID] == att {
		delete(o.attempts, att.jobID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishProcessing(jobID string) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.ProgressEvent{
		JobID:     jobID,
		Status:    domain.JobStatusProcessing,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishTerminal(jobID string, status domain.JobStatus, percent int, msg string) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.ProgressEvent{
		JobID:     jobID,
		Status:    status,
		Percent:   percent,
		Message:   msg,
		Terminal:  true,
		Timestamp: time.Now().UTC(),
	})
}
