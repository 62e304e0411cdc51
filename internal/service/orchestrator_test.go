package service

import (
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvio/clipd/internal/adapter/storage/memory"
	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/port"
)

// fakeRunner scripts stage outcomes. Without a runFn every stage
// succeeds, publish handing back its inputs under final paths.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	runFn func(spec domain.StageSpec, budget time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult
}

var _ port.StageRunner = (*fakeRunner)(nil)

func (f *fakeRunner) RunStage(spec domain.StageSpec, budget time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Name)
	fn := f.runFn
	f.mu.Unlock()

	if fn != nil {
		return fn(spec, budget, token, progress)
	}
	return succeedStage(spec, progress)
}

func (f *fakeRunner) stageCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func succeedStage(spec domain.StageSpec, progress port.ProgressFunc) domain.StageResult {
	if progress != nil {
		progress(spec.Name, 1)
	}
	if spec.Name == domain.StagePublish {
		out := make([]domain.Artifact, len(spec.Inputs))
		for i, a := range spec.Inputs {
			a.Path = "/exports/" + path.Base(a.Path)
			out[i] = a
		}
		return domain.StageResult{Stage: spec.Name, Artifacts: out}
	}
	arts := make([]domain.Artifact, 0, spec.Units)
	for i := 0; i < spec.Units; i++ {
		arts = append(arts, domain.Artifact{
			Stage: spec.Name,
			Index: i,
			Path:  fmt.Sprintf("/staging/%s/%s-%d.bin", spec.JobID, spec.Name, i),
		})
	}
	return domain.StageResult{Stage: spec.Name, Artifacts: arts}
}

func cancelledStage(spec domain.StageSpec) domain.StageResult {
	return domain.StageResult{
		Stage: spec.Name,
		Err:   domain.NewStageError(spec.Name, domain.FailureCancelled, errors.New("stage interrupted")),
	}
}

// fakeProber serves scripted source measurements.
type fakeProber struct {
	info domain.SourceInfo
	err  error

	mu    sync.Mutex
	paths []string
}

var _ port.SourceProber = (*fakeProber)(nil)

func (f *fakeProber) ProbeSource(path string) (domain.SourceInfo, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return f.info, f.err
}

func (f *fakeProber) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.paths))
	copy(out, f.paths)
	return out
}

// eventLog collects published events for assertions.
type eventLog struct {
	mu  sync.Mutex
	evs []domain.ProgressEvent
}

func (l *eventLog) Publish(ev domain.ProgressEvent) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) terminal(jobID string) *domain.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.evs {
		if l.evs[i].JobID == jobID && l.evs[i].Terminal {
			return &l.evs[i]
		}
	}
	return nil
}

type orchEnv struct {
	store  *memory.Store
	runner *fakeRunner
	prober *fakeProber
	events *eventLog
	orch   *Orchestrator
}

func newOrchEnv(t *testing.T, cfg OrchestratorConfig, dcfg domain.DeadlineConfig) *orchEnv {
	t.Helper()
	env := &orchEnv{
		store:  memory.NewStore(),
		runner: &fakeRunner{},
		prober: &fakeProber{},
		events: &eventLog{},
	}
	env.orch = NewOrchestrator(env.store, env.runner, env.prober, domain.NewDeadlineCalculator(dcfg), env.events, cfg)
	t.Cleanup(env.orch.Close)
	return env
}

func workDesc(key string, outputs map[domain.ExportType]int) domain.WorkDescription {
	return domain.WorkDescription{
		Key:             key,
		SourcePath:      "/media/" + key + ".mov",
		SourceDuration:  90,
		SourceSizeBytes: 1 << 20,
		Outputs:         outputs,
	}
}

func waitStatus(t *testing.T, store port.RecordStore, id string, status domain.JobStatus) *domain.JobRecord {
	t.Helper()
	var rec *domain.JobRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = store.Get(id)
		return err == nil && rec.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", status)
	return rec
}

func seedRecord(t *testing.T, store *memory.Store, desc domain.WorkDescription, mutate func(*domain.JobRecord)) *domain.JobRecord {
	t.Helper()
	rec, err := domain.NewJobRecord(desc)
	require.NoError(t, err)
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, store.Create(rec))
	return rec
}

func TestOrchestratorSubmit(t *testing.T) {
	t.Run("runs a job to completion", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		rec, err := env.orch.Submit(workDesc("clip-1", map[domain.ExportType]int{
			domain.ExportCutdown: 2,
			domain.ExportGIF:     1,
		}))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, domain.JobStatusPending, rec.Status)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.Equal(t, 100, final.Progress)
		assert.Equal(t, 1, final.Attempts)
		assert.Empty(t, final.ErrorMessage)
		require.NotNil(t, final.StartedAt)
		require.NotNil(t, final.CompletedAt)

		manifest, err := domain.DecodeOutputManifest(final.Output)
		require.NoError(t, err)
		assert.Len(t, manifest.Artifacts, 3)
		for _, a := range manifest.Artifacts {
			assert.Contains(t, a.Path, "/exports/")
		}
		assert.Empty(t, manifest.Skipped)

		calls := env.runner.stageCalls()
		require.NotEmpty(t, calls)
		assert.Equal(t, domain.StageCutdown, calls[0])
		assert.Equal(t, domain.StagePublish, calls[len(calls)-1])
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		_, err := env.orch.Submit(workDesc("", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = env.orch.Submit(workDesc("clip-2", nil))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("probes missing complexity inputs", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		env.prober.info = domain.SourceInfo{Format: "mov", Duration: 125, SizeBytes: 3 << 20}

		desc := workDesc("clip-p1", map[domain.ExportType]int{domain.ExportCutdown: 1})
		desc.SourceDuration = 0
		desc.SourceSizeBytes = 0

		rec, err := env.orch.Submit(desc)
		require.NoError(t, err)
		assert.Equal(t, []string{desc.SourcePath}, env.prober.probed())

		stored, err := rec.Work()
		require.NoError(t, err)
		assert.Equal(t, float64(125), stored.SourceDuration)
		assert.Equal(t, int64(3<<20), stored.SourceSizeBytes)

		waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
	})

	t.Run("complete submissions skip the probe", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		rec, err := env.orch.Submit(workDesc("clip-p2", map[domain.ExportType]int{domain.ExportGIF: 1}))
		require.NoError(t, err)
		assert.Empty(t, env.prober.probed())
		waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
	})

	t.Run("rejects a source the prober cannot read", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		env.prober.err = errors.New("ffprobe: exit status 1")

		desc := workDesc("clip-p3", map[domain.ExportType]int{domain.ExportCutdown: 1})
		desc.SourceDuration = 0

		_, err := env.orch.Submit(desc)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.ErrorContains(t, err, "probe")
	})

	t.Run("rejects a second active job for the same key", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		release := make(chan struct{})
		defer close(release)
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			select {
			case <-token.Done():
				return cancelledStage(spec)
			case <-release:
			}
			return succeedStage(spec, progress)
		}

		desc := workDesc("clip-3", map[domain.ExportType]int{domain.ExportCutdown: 1})
		first, err := env.orch.Submit(desc)
		require.NoError(t, err)

		_, err = env.orch.Submit(desc)
		assert.ErrorIs(t, err, domain.ErrDuplicateJob)
		assert.ErrorContains(t, err, first.ID)
	})

	t.Run("admits exactly one of many concurrent submits", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		release := make(chan struct{})
		defer close(release)
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			select {
			case <-token.Done():
				return cancelledStage(spec)
			case <-release:
			}
			return succeedStage(spec, progress)
		}

		desc := workDesc("clip-4", map[domain.ExportType]int{domain.ExportCutdown: 1})
		var admitted, rejected atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.orch.Submit(desc)
				switch {
				case err == nil:
					admitted.Add(1)
				case errors.Is(err, domain.ErrDuplicateJob):
					rejected.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, admitted.Load())
		assert.EqualValues(t, 9, rejected.Load())
	})

	t.Run("honors a per-key ceiling above one", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{MaxActivePerKey: 2}, domain.DefaultDeadlineConfig())
		release := make(chan struct{})
		defer close(release)
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			select {
			case <-token.Done():
				return cancelledStage(spec)
			case <-release:
			}
			return succeedStage(spec, progress)
		}

		desc := workDesc("clip-4b", map[domain.ExportType]int{domain.ExportCutdown: 1})
		_, err := env.orch.Submit(desc)
		require.NoError(t, err)
		_, err = env.orch.Submit(desc)
		require.NoError(t, err)

		_, err = env.orch.Submit(desc)
		assert.ErrorIs(t, err, domain.ErrDuplicateJob)
	})

	t.Run("allows resubmitting a key once the job is terminal", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, _ port.ProgressFunc) domain.StageResult {
			return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, errors.New("render crashed"))}
		}

		desc := workDesc("clip-5", map[domain.ExportType]int{domain.ExportCutdown: 1})
		first, err := env.orch.Submit(desc)
		require.NoError(t, err)
		waitStatus(t, env.store, first.ID, domain.JobStatusFailed)

		second, err := env.orch.Submit(desc)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestOrchestratorFailure(t *testing.T) {
	t.Run("stage fatal fails the job", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if spec.Name == domain.StageCutdown {
				return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, errors.New("codec not supported"))}
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-6", map[domain.ExportType]int{domain.ExportCutdown: 1, domain.ExportGIF: 1}))
		require.NoError(t, err)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusFailed)
		assert.Contains(t, final.ErrorMessage, domain.StageCutdown)
		assert.Contains(t, final.ErrorMessage, "codec not supported")
		require.NotNil(t, final.CompletedAt)

		// The plan aborted before the gif stage.
		assert.Equal(t, []string{domain.StageCutdown}, env.runner.stageCalls())

		ev := env.events.terminal(rec.ID)
		require.NotNil(t, ev)
		assert.Equal(t, domain.JobStatusFailed, ev.Status)
	})

	t.Run("transient failure is retried once", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		var cutdowns atomic.Int32
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if spec.Name == domain.StageCutdown && cutdowns.Add(1) == 1 {
				return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureTransientIO, errors.New("staging volume hiccup"))}
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-7", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)

		waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.EqualValues(t, 2, cutdowns.Load())
	})

	t.Run("persistent transient failure escalates", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		var cutdowns atomic.Int32
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if spec.Name == domain.StageCutdown {
				cutdowns.Add(1)
				return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureTransientIO, errors.New("staging volume hiccup"))}
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-8", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusFailed)
		assert.EqualValues(t, 2, cutdowns.Load())
		assert.Contains(t, final.ErrorMessage, "transient failure persisted after retry")
	})

	t.Run("failed optional stage is skipped", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if spec.Name == domain.StageThumbnail {
				return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, errors.New("frame extraction failed"))}
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-9", map[domain.ExportType]int{
			domain.ExportCutdown:   1,
			domain.ExportThumbnail: 3,
		}))
		require.NoError(t, err)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		manifest, err := domain.DecodeOutputManifest(final.Output)
		require.NoError(t, err)
		assert.Equal(t, []string{domain.StageThumbnail}, manifest.Skipped)
		assert.Len(t, manifest.Artifacts, 1)
	})
}

func TestOrchestratorCancel(t *testing.T) {
	t.Run("user cancel finalizes a live job", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		release := make(chan struct{})
		defer close(release)
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			select {
			case <-token.Done():
				return cancelledStage(spec)
			case <-release:
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-10", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		waitStatus(t, env.store, rec.ID, domain.JobStatusProcessing)

		require.NoError(t, env.orch.Cancel(rec.ID, domain.CancelReasonUser))

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCancelled)
		assert.Equal(t, "cancelled by user", final.ErrorMessage)
		require.NotNil(t, final.CompletedAt)
	})

	t.Run("cancel of a terminal job is invalid", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		rec, err := env.orch.Submit(workDesc("clip-11", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)

		err = env.orch.Cancel(rec.ID, domain.CancelReasonUser)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("cancel finalizes a record with no live attempt", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		rec := seedRecord(t, env.store,
			workDesc("clip-12", map[domain.ExportType]int{domain.ExportCutdown: 1}), nil)

		require.NoError(t, env.orch.Cancel(rec.ID, domain.CancelReasonUser))

		final, err := env.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, final.Status)
		assert.Contains(t, final.ErrorMessage, "cancelled")
	})

	t.Run("unknown job returns ErrNotFound", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		err := env.orch.Cancel("nope", domain.CancelReasonUser)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestOrchestratorDeadline(t *testing.T) {
	dcfg := domain.DeadlineConfig{
		Base:               40 * time.Millisecond,
		SafetyBuffer:       0,
		BulkOpThreshold:    10,
		BulkTypeThreshold:  3,
		BulkSurcharge:      1.25,
		LargeFileBytes:     8 << 30,
		LargeFileSurcharge: 1.5,
		CanvasSurcharge:    1.5,
		MaxTotal:           time.Minute,
	}
	env := newOrchEnv(t, OrchestratorConfig{}, dcfg)
	env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, _ port.ProgressFunc) domain.StageResult {
		<-token.Done()
		return cancelledStage(spec)
	}

	rec, err := env.orch.Submit(workDesc("clip-13", map[domain.ExportType]int{domain.ExportCutdown: 1}))
	require.NoError(t, err)

	final := waitStatus(t, env.store, rec.ID, domain.JobStatusFailed)
	assert.Contains(t, final.ErrorMessage, "deadline exceeded")
	assert.Contains(t, final.ErrorMessage, "40ms")
}

func TestOrchestratorRestart(t *testing.T) {
	t.Run("restart resets the record and bumps attempts", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		var failing atomic.Bool
		failing.Store(true)
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if failing.Load() {
				return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, errors.New("render crashed"))}
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-14", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		failed := waitStatus(t, env.store, rec.ID, domain.JobStatusFailed)
		require.Equal(t, 1, failed.Attempts)
		require.NotNil(t, failed.CompletedAt)

		failing.Store(false)
		_, err = env.orch.Restart(rec.ID)
		require.NoError(t, err)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.Equal(t, 2, final.Attempts)
		assert.Equal(t, 100, final.Progress)
		assert.Empty(t, final.ErrorMessage)
	})

	t.Run("restart of a completed job is invalid", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())

		rec, err := env.orch.Submit(workDesc("clip-15", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)

		_, err = env.orch.Restart(rec.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("restart past the attempt ceiling is invalid", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{MaxAttempts: 1}, domain.DefaultDeadlineConfig())
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, _ *domain.CancelToken, _ port.ProgressFunc) domain.StageResult {
			return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, errors.New("render crashed"))}
		}

		rec, err := env.orch.Submit(workDesc("clip-16", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		waitStatus(t, env.store, rec.ID, domain.JobStatusFailed)

		_, err = env.orch.Restart(rec.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("restart supersedes a live attempt", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		var calls atomic.Int32
		env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
			if calls.Add(1) == 1 {
				<-token.Done()
				return cancelledStage(spec)
			}
			return succeedStage(spec, progress)
		}

		rec, err := env.orch.Submit(workDesc("clip-17", map[domain.ExportType]int{domain.ExportCutdown: 1}))
		require.NoError(t, err)
		waitStatus(t, env.store, rec.ID, domain.JobStatusProcessing)
		require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

		_, err = env.orch.Restart(rec.ID)
		require.NoError(t, err)

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.Equal(t, 2, final.Attempts)
	})
}

func TestOrchestratorForceFail(t *testing.T) {
	env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
	env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, _ port.ProgressFunc) domain.StageResult {
		<-token.Done()
		return cancelledStage(spec)
	}

	rec, err := env.orch.Submit(workDesc("clip-18", map[domain.ExportType]int{domain.ExportCutdown: 1}))
	require.NoError(t, err)
	waitStatus(t, env.store, rec.ID, domain.JobStatusProcessing)

	ok, err := env.orch.ForceFail(rec.ID, "ran past max job age 2h0m0s")
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := env.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "max job age")
}

func TestOrchestratorRecover(t *testing.T) {
	t.Run("resumes interrupted processing jobs", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		started := time.Now().UTC().Add(-time.Minute)
		rec := seedRecord(t, env.store,
			workDesc("clip-19", map[domain.ExportType]int{domain.ExportCutdown: 1}),
			func(r *domain.JobRecord) {
				r.Status = domain.JobStatusProcessing
				r.StartedAt = &started
				r.Attempts = 1
				r.Progress = 40
			})

		require.NoError(t, env.orch.Recover())

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.Equal(t, 2, final.Attempts)
		assert.Equal(t, 100, final.Progress)
	})

	t.Run("starts pending jobs that never ran", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		rec := seedRecord(t, env.store,
			workDesc("clip-20", map[domain.ExportType]int{domain.ExportCutdown: 1}), nil)

		require.NoError(t, env.orch.Recover())

		final := waitStatus(t, env.store, rec.ID, domain.JobStatusCompleted)
		assert.Equal(t, 1, final.Attempts)
	})

	t.Run("fails interrupted jobs that used every attempt", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{MaxAttempts: 2}, domain.DefaultDeadlineConfig())
		started := time.Now().UTC().Add(-time.Minute)
		rec := seedRecord(t, env.store,
			workDesc("clip-21", map[domain.ExportType]int{domain.ExportCutdown: 1}),
			func(r *domain.JobRecord) {
				r.Status = domain.JobStatusProcessing
				r.StartedAt = &started
				r.Attempts = 2
			})

		require.NoError(t, env.orch.Recover())

		final, err := env.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, final.Status)
		assert.Contains(t, final.ErrorMessage, "all 2 attempts")
	})

	t.Run("fails records whose work cannot be decoded", func(t *testing.T) {
		env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
		rec := seedRecord(t, env.store,
			workDesc("clip-22", map[domain.ExportType]int{domain.ExportCutdown: 1}),
			func(r *domain.JobRecord) {
				r.Details = "not json"
			})

		require.NoError(t, env.orch.Recover())

		final, err := env.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, final.Status)
		assert.Contains(t, final.ErrorMessage, "unreadable work description")
	})
}

func TestOrchestratorClose(t *testing.T) {
	env := newOrchEnv(t, OrchestratorConfig{}, domain.DefaultDeadlineConfig())
	env.runner.runFn = func(spec domain.StageSpec, _ time.Duration, token *domain.CancelToken, _ port.ProgressFunc) domain.StageResult {
		<-token.Done()
		return cancelledStage(spec)
	}

	rec, err := env.orch.Submit(workDesc("clip-23", map[domain.ExportType]int{domain.ExportCutdown: 1}))
	require.NoError(t, err)
	waitStatus(t, env.store, rec.ID, domain.JobStatusProcessing)

	env.orch.Close()

	// The interrupted record stays processing so the next boot recovers it.
	final, err := env.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, final.Status)
}
