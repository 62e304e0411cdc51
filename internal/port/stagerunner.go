package port

import (
	"time"

	"github.com/arvio/clipd/internal/domain"
)

// ProgressFunc reports how far a stage has come as a 0..1 fraction.
type ProgressFunc func(stage string, fraction float64)

// StageRunner executes one pipeline stage. Implementations must stop
// promptly when the token fires and must not run past the budget.
type StageRunner interface {
	RunStage(spec domain.StageSpec, budget time.Duration, token *domain.CancelToken, progress ProgressFunc) domain.StageResult
}
