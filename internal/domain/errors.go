package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicateJob = errors.New("active job already exists for key")
	ErrInvalidInput = errors.New("invalid work description")
	ErrInvalidState = errors.New("operation not allowed in current job state")

	// ErrDeadlineMisconfigured means the deadline formula produced no
	// budget. Treated as invalid input: retrying cannot help.
	ErrDeadlineMisconfigured = errors.New("deadline configuration yields no budget")
)

// FailureClass buckets failures for operators and retry decisions.
type FailureClass string

const (
	FailureInvalidInput FailureClass = "invalid_input"
	FailureDuplicate    FailureClass = "duplicate_active_job"
	FailureTransientIO  FailureClass = "transient_io"
	FailureStageFatal   FailureClass = "stage_fatal"
	FailureCancelled    FailureClass = "cancelled"
)

// Retryable reports whether retrying the same attempt may help.
func (c FailureClass) Retryable() bool {
	return c == FailureTransientIO
}

// StageError records which pipeline stage failed and how.
type StageError struct {
	Stage string
	Class FailureClass
	Err   error
}

func NewStageError(stage string, class FailureClass, err error) *StageError {
	return &StageError{Stage: stage, Class: class, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Class)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
