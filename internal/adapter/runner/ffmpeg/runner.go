package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/port"
)

// Config locates the ffmpeg binary and the directories renders flow
// through. StagingDir holds per-job intermediates; OutputDir is where
// publish moves finished files.
type Config struct {
	FFmpegPath string // resolved from PATH when empty
	StagingDir string
	OutputDir  string
}

// Runner renders export stages by shelling out to ffmpeg, one process
// per unit, each bounded by the stage budget and the job's cancel
// token.
type Runner struct {
	ffmpeg  string
	staging string
	output  string
}

func NewRunner(cfg Config) (*Runner, error) {
	binary := cfg.FFmpegPath
	if binary == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("locate ffmpeg: %w", err)
		}
		binary = path
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Runner{ffmpeg: binary, staging: cfg.StagingDir, output: cfg.OutputDir}, nil
}

func (r *Runner) RunStage(spec domain.StageSpec, budget time.Duration, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
	if spec.Name == domain.StagePublish {
		return r.publish(spec, token, progress)
	}
	if err := validatePath(spec.SourcePath); err != nil {
		return failed(spec, domain.FailureStageFatal, fmt.Errorf("source: %w", err))
	}

	stageDir := filepath.Join(r.staging, spec.JobID, spec.Name)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return failed(spec, domain.FailureTransientIO, fmt.Errorf("create stage dir: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	token.OnCancel(func(domain.CancelReason) { cancel() })

	units := spec.Units
	if units <= 0 {
		units = 1
	}
	artifacts := make([]domain.Artifact, 0, units)
	for i := 0; i < units; i++ {
		if token.Cancelled() {
			return domain.StageResult{Stage: spec.Name, Artifacts: artifacts,
				Err: domain.NewStageError(spec.Name, domain.FailureCancelled, fmt.Errorf("cancelled (%s) before unit %d", token.Reason(), i))}
		}
		unit := i
		report := func(frac float64) {
			if progress != nil {
				progress(spec.Name, (float64(unit)+frac)/float64(units))
			}
		}
		path, stageErr := r.renderUnit(ctx, spec, stageDir, i, units, token, report)
		if stageErr != nil {
			return domain.StageResult{Stage: spec.Name, Artifacts: artifacts, Err: stageErr}
		}
		artifacts = append(artifacts, artifact(spec.Name, i, path))
		if progress != nil {
			progress(spec.Name, float64(i+1)/float64(units))
		}
	}
	return domain.StageResult{Stage: spec.Name, Artifacts: artifacts}
}

func (r *Runner) renderUnit(ctx context.Context, spec domain.StageSpec, dir string, i, units int, token *domain.CancelToken, report func(float64)) (string, *domain.StageError) {
	switch spec.Name {
	case domain.StageCutdown:
		out := filepath.Join(dir, fmt.Sprintf("cutdown-%02d.mp4", i))
		start, length := unitWindow(spec.SourceDuration, units, i, maxCutdownSeconds)
		if err := r.runFFmpeg(ctx, cutdownArgs(spec.SourcePath, out, start, length), length, report); err != nil {
			return "", classifyExec(ctx, token, spec.Name, err)
		}
		return out, nil

	case domain.StageGIF:
		out := filepath.Join(dir, fmt.Sprintf("gif-%02d.gif", i))
		start, length := unitWindow(spec.SourceDuration, units, i, gifSeconds)
		if err := r.runFFmpeg(ctx, gifArgs(spec.SourcePath, out, start, length), length, report); err != nil {
			return "", classifyExec(ctx, token, spec.Name, err)
		}
		return out, nil

	case domain.StageThumbnail:
		out := filepath.Join(dir, fmt.Sprintf("thumbnail-%02d.jpg", i))
		args := thumbnailArgs(spec.SourcePath, out, thumbnailPosition(spec.SourceDuration, units, i))
		// Single frame, nothing meaningful on stderr to report.
		if err := r.runFFmpeg(ctx, args, 0, nil); err != nil {
			return "", classifyExec(ctx, token, spec.Name, err)
		}
		return out, nil

	case domain.StageCanvas:
		return r.renderCanvasUnit(ctx, spec, dir, i, units, token, report)

	default:
		return "", domain.NewStageError(spec.Name, domain.FailureStageFatal, fmt.Errorf("unknown stage %q", spec.Name))
	}
}

// renderCanvasUnit builds one bounce loop: a forward window rendered to
// a vertical frame, its reverse, and the two concatenated.
func (r *Runner) renderCanvasUnit(ctx context.Context, spec domain.StageSpec, dir string, i, units int, token *domain.CancelToken, report func(float64)) (string, *domain.StageError) {
	base := filepath.Join(dir, fmt.Sprintf("canvas-%02d", i))
	forward := base + "-fwd.mp4"
	reversed := base + "-rev.mp4"
	list := base + ".txt"
	out := base + ".mp4"

	start, length := unitWindow(spec.SourceDuration, units, i, canvasSeconds)
	render := func(args []string, seconds, offset float64) error {
		return r.runFFmpeg(ctx, args, seconds, func(frac float64) {
			report((offset + frac) / 3)
		})
	}
	if err := render(canvasForwardArgs(spec.SourcePath, forward, start, length), length, 0); err != nil {
		return "", classifyExec(ctx, token, spec.Name, err)
	}
	if err := render(canvasReverseArgs(forward, reversed), length, 1); err != nil {
		return "", classifyExec(ctx, token, spec.Name, err)
	}

	entries := fmt.Sprintf("file '%s'\nfile '%s'\n", forward, reversed)
	if err := os.WriteFile(list, []byte(entries), 0o644); err != nil {
		return "", domain.NewStageError(spec.Name, domain.FailureTransientIO, fmt.Errorf("write concat list: %w", err))
	}
	if err := r.runFFmpeg(ctx, canvasConcatArgs(list, out), 0, nil); err != nil {
		return "", classifyExec(ctx, token, spec.Name, err)
	}
	report(1)
	return out, nil
}

// publish moves the accumulated staging artifacts into the output
// directory and reports their final paths. The job's staging tree is
// removed once everything has landed.
func (r *Runner) publish(spec domain.StageSpec, token *domain.CancelToken, progress port.ProgressFunc) domain.StageResult {
	destDir := filepath.Join(r.output, spec.JobID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return failed(spec, domain.FailureTransientIO, fmt.Errorf("create output dir: %w", err))
	}

	moved := make([]domain.Artifact, 0, len(spec.Inputs))
	for _, art := range spec.Inputs {
		if token.Cancelled() {
			return domain.StageResult{Stage: spec.Name, Artifacts: moved,
				Err: domain.NewStageError(spec.Name, domain.FailureCancelled, fmt.Errorf("cancelled (%s) while publishing", token.Reason()))}
		}
		if err := validatePath(art.Path); err != nil {
			return domain.StageResult{Stage: spec.Name, Artifacts: moved,
				Err: domain.NewStageError(spec.Name, domain.FailureStageFatal, fmt.Errorf("artifact %s/%d: %w", art.Stage, art.Index, err))}
		}
		dest := filepath.Join(destDir, filepath.Base(art.Path))
		if err := moveFile(art.Path, dest); err != nil {
			return domain.StageResult{Stage: spec.Name, Artifacts: moved,
				Err: domain.NewStageError(spec.Name, domain.FailureTransientIO, fmt.Errorf("publish %s: %w", filepath.Base(art.Path), err))}
		}
		art.Path = dest
		if info, err := os.Stat(dest); err == nil {
			art.SizeBytes = info.Size()
		}
		moved = append(moved, art)
		if progress != nil {
			progress(spec.Name, float64(len(moved))/float64(len(spec.Inputs)))
		}
	}

	// Best effort: leftover staging files only waste disk.
	os.RemoveAll(filepath.Join(r.staging, spec.JobID))

	return domain.StageResult{Stage: spec.Name, Artifacts: moved}
}

// runFFmpeg executes one ffmpeg pass. Stderr is consumed while the
// process runs, feeding encoded-time fractions of windowSeconds to
// report, then the process is reaped.
func (r *Runner) runFFmpeg(ctx context.Context, args []string, windowSeconds float64, report func(float64)) error {
	cmd := exec.CommandContext(ctx, r.ffmpeg, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	scanRenderProgress(stderr, windowSeconds, report)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// classifyExec maps a failed ffmpeg pass onto the failure taxonomy. A
// fired token wins over an expired context: the job-level reason is
// the one the orchestrator acts on. A context that expired on its own
// means the stage ran out of its budget share.
func classifyExec(ctx context.Context, token *domain.CancelToken, stage string, err error) *domain.StageError {
	switch {
	case token.Cancelled():
		return domain.NewStageError(stage, domain.FailureCancelled, fmt.Errorf("%s: %w", token.Reason(), err))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewStageError(stage, domain.FailureStageFatal, fmt.Errorf("stage budget exhausted: %w", err))
	default:
		return domain.NewStageError(stage, domain.FailureStageFatal, err)
	}
}

func failed(spec domain.StageSpec, class domain.FailureClass, err error) domain.StageResult {
	return domain.StageResult{Stage: spec.Name, Err: domain.NewStageError(spec.Name, class, err)}
}

func artifact(stage string, index int, path string) domain.Artifact {
	a := domain.Artifact{Stage: stage, Index: index, Path: path}
	if info, err := os.Stat(path); err == nil {
		a.SizeBytes = info.Size()
	}
	return a
}

// moveFile renames src to dst, falling back to copy-and-remove when
// the two live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

var _ port.StageRunner = (*Runner)(nil)
