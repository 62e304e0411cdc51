package port

import (
	"time"

	"github.com/arvio/clipd/internal/domain"
)

// RecordStore persists job records. UpdateIf applies its patch only
// while the record's status is one of allowed, so a finished attempt
// cannot clobber the state written by a newer one.
type RecordStore interface {
	Create(rec *domain.JobRecord) error
	Get(id string) (*domain.JobRecord, error)
	// ActiveByKey returns the pending and processing records for a work
	// key, newest first. Empty when the key has no active job.
	ActiveByKey(key string) ([]*domain.JobRecord, error)
	UpdateIf(id string, allowed []domain.JobStatus, patch domain.RecordPatch) (bool, error)
	ListByStatus(status domain.JobStatus) ([]*domain.JobRecord, error)
	List(limit int) ([]*domain.JobRecord, error)
	PruneTerminal(before time.Time) (int64, error)
}
