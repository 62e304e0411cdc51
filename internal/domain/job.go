package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status ends an attempt. Failed and
// cancelled jobs stay eligible for restart.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status blocks a new job under the same key.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// validTransitions lists the allowed status moves. Processing to
// processing covers a superseding restart of a stalled attempt.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {JobStatusProcessing, JobStatusFailed},
	JobStatusCancelled:  {JobStatusProcessing},
	JobStatusCompleted:  nil,
}

func ValidTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobRecord is the persisted view of one export job. Details holds the
// submitted WorkDescription as JSON; Output holds the artifact manifest
// once the job completes.
type JobRecord struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Attempts     int        `json:"attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Details      string     `json:"details,omitempty"`
	Output       string     `json:"output,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func NewJobRecord(desc WorkDescription) (*JobRecord, error) {
	details, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode work description: %w", err)
	}
	now := time.Now().UTC()
	return &JobRecord{
		ID:        uuid.NewString(),
		Key:       desc.Key,
		Status:    JobStatusPending,
		Details:   string(details),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Work decodes the stored WorkDescription.
func (r *JobRecord) Work() (WorkDescription, error) {
	var desc WorkDescription
	if err := json.Unmarshal([]byte(r.Details), &desc); err != nil {
		return WorkDescription{}, fmt.Errorf("decode work description: %w", err)
	}
	return desc, nil
}

func (r *JobRecord) Clone() *JobRecord {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// RecordPatch is a partial update applied by a record store. Nil fields
// are left untouched. IncAttempts bumps the attempt counter atomically
// with the rest of the patch; ClearCompleted nulls CompletedAt on
// restart.
type RecordPatch struct {
	Status         *JobStatus
	Progress       *int
	ErrorMessage   *string
	Output         *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	IncAttempts    bool
	ClearCompleted bool
}

// Apply writes the patch onto r and stamps UpdatedAt.
func (p RecordPatch) Apply(r *JobRecord, now time.Time) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Progress != nil {
		r.Progress = *p.Progress
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = *p.ErrorMessage
	}
	if p.Output != nil {
		r.Output = *p.Output
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		r.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		r.CompletedAt = &t
	}
	if p.ClearCompleted {
		r.CompletedAt = nil
	}
	if p.IncAttempts {
		r.Attempts++
	}
	r.UpdatedAt = now
}
