package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProgressEvent is one broadcast update for a job. Percent is the overall
// job figure; StagePercent is local to the named stage. Terminal events
// carry the final status and end the stream for that job.
type ProgressEvent struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Percent      int       `json:"percent"`
	Stage        string    `json:"stage,omitempty"`
	StagePercent int       `json:"stage_percent,omitempty"`
	Message      string    `json:"message,omitempty"`
	Terminal     bool      `json:"terminal,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Artifact is one rendered output file.
type Artifact struct {
	Stage     string `json:"stage"`
	Index     int    `json:"index"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// StageResult is what a runner hands back for one stage.
type StageResult struct {
	Stage     string
	Artifacts []Artifact
	Err       *StageError
}

func (r StageResult) OK() bool {
	return r.Err == nil
}

// OutputManifest is the Output payload stored on a completed record.
// Skipped lists optional stages that failed and were left out.
type OutputManifest struct {
	Artifacts []Artifact `json:"artifacts"`
	Skipped   []string   `json:"skipped_stages,omitempty"`
}

func (m OutputManifest) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode output manifest: %w", err)
	}
	return string(b), nil
}

func DecodeOutputManifest(s string) (OutputManifest, error) {
	var m OutputManifest
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return OutputManifest{}, fmt.Errorf("decode output manifest: %w", err)
	}
	return m, nil
}
