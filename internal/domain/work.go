package domain

import (
	"fmt"
	"strings"
)

// ExportType identifies one kind of rendered output.
type ExportType string

const (
	ExportCutdown   ExportType = "cutdown"
	ExportGIF       ExportType = "gif"
	ExportThumbnail ExportType = "thumbnail"
	ExportCanvas    ExportType = "canvas"
)

// exportOrder fixes the planning order of render stages.
var exportOrder = []ExportType{ExportCutdown, ExportGIF, ExportThumbnail, ExportCanvas}

func KnownExportType(t ExportType) bool {
	for _, k := range exportOrder {
		if k == t {
			return true
		}
	}
	return false
}

// WorkDescription is the client-submitted description of one export job.
// Key identifies the source asset; two active jobs never share a key.
type WorkDescription struct {
	Key             string             `json:"key"`
	SourcePath      string             `json:"source_path"`
	SourceDuration  float64            `json:"source_duration_seconds"`
	SourceSizeBytes int64              `json:"source_size_bytes"`
	Outputs         map[ExportType]int `json:"outputs"`
}

// Validate checks the description before a job is admitted. Every
// failure wraps ErrInvalidInput.
func (d WorkDescription) Validate() error {
	if strings.TrimSpace(d.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	if strings.TrimSpace(d.SourcePath) == "" {
		return fmt.Errorf("%w: source_path is required", ErrInvalidInput)
	}
	if d.SourceDuration <= 0 {
		return fmt.Errorf("%w: source_duration_seconds must be positive", ErrInvalidInput)
	}
	if d.SourceSizeBytes < 0 {
		return fmt.Errorf("%w: source_size_bytes must not be negative", ErrInvalidInput)
	}
	total := 0
	for t, n := range d.Outputs {
		if !KnownExportType(t) {
			return fmt.Errorf("%w: unknown export type %q", ErrInvalidInput, t)
		}
		if n < 0 {
			return fmt.Errorf("%w: output count for %s must not be negative", ErrInvalidInput, t)
		}
		total += n
	}
	if total == 0 {
		return fmt.Errorf("%w: at least one output is required", ErrInvalidInput)
	}
	return nil
}

// OperationCount is the total number of requested outputs.
func (d WorkDescription) OperationCount() int {
	n := 0
	for _, c := range d.Outputs {
		n += c
	}
	return n
}

// ExportTypes returns the requested types (count > 0) in planning order.
func (d WorkDescription) ExportTypes() []ExportType {
	var types []ExportType
	for _, t := range exportOrder {
		if d.Outputs[t] > 0 {
			types = append(types, t)
		}
	}
	return types
}
