package domain

import (
	"fmt"
	"time"
)

// DeadlineConfig tunes the deadline formula. Start from
// DefaultDeadlineConfig; a zero config yields no budget.
type DeadlineConfig struct {
	Base               time.Duration
	PerSourceMinute    time.Duration
	SafetyBuffer       float64
	BulkOpThreshold    int
	BulkTypeThreshold  int
	BulkSurcharge      float64
	LargeFileBytes     int64
	LargeFileSurcharge float64
	CanvasSurcharge    float64
	MaxTotal           time.Duration
	StageShares        map[string]float64
}

func DefaultDeadlineConfig() DeadlineConfig {
	return DeadlineConfig{
		Base:               5 * time.Minute,
		PerSourceMinute:    90 * time.Second,
		SafetyBuffer:       0.25,
		BulkOpThreshold:    10,
		BulkTypeThreshold:  3,
		BulkSurcharge:      1.25,
		LargeFileBytes:     8 << 30,
		LargeFileSurcharge: 1.5,
		CanvasSurcharge:    1.5,
		MaxTotal:           60 * time.Minute,
		StageShares: map[string]float64{
			StageCutdown:   0.35,
			StageGIF:       0.20,
			StageThumbnail: 0.05,
			StageCanvas:    0.30,
			StagePublish:   0.10,
		},
	}
}

// ComplexityInputs are the job properties the formula reads. Negative
// values are treated as zero.
type ComplexityInputs struct {
	SourceDuration  float64 // seconds
	SourceSizeBytes int64
	OperationCount  int
	ExportTypes     []ExportType
}

func ComplexityFrom(d WorkDescription) ComplexityInputs {
	return ComplexityInputs{
		SourceDuration:  d.SourceDuration,
		SourceSizeBytes: d.SourceSizeBytes,
		OperationCount:  d.OperationCount(),
		ExportTypes:     d.ExportTypes(),
	}
}

func (in ComplexityInputs) hasExport(t ExportType) bool {
	for _, e := range in.ExportTypes {
		if e == t {
			return true
		}
	}
	return false
}

// JobDeadline is the computed time budget for one job attempt.
type JobDeadline struct {
	StartedAt    time.Time
	Deadline     time.Time
	Total        time.Duration
	StageBudgets map[string]time.Duration
}

// Remaining returns the budget left at now, never negative.
func (d *JobDeadline) Remaining(now time.Time) time.Duration {
	r := d.Deadline.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// StageBudget returns the slice of the total allotted to one stage.
func (d *JobDeadline) StageBudget(stage string) time.Duration {
	return d.StageBudgets[stage]
}

// DeadlineCalculator converts job complexity into a bounded time budget.
// Compute is pure: the same inputs and start time always produce the
// same deadline.
type DeadlineCalculator struct {
	cfg DeadlineConfig
}

func NewDeadlineCalculator(cfg DeadlineConfig) *DeadlineCalculator {
	return &DeadlineCalculator{cfg: cfg}
}

func (c *DeadlineCalculator) Compute(startedAt time.Time, in ComplexityInputs) (*JobDeadline, error) {
	if in.SourceDuration < 0 {
		in.SourceDuration = 0
	}
	if in.SourceSizeBytes < 0 {
		in.SourceSizeBytes = 0
	}
	if in.OperationCount < 0 {
		in.OperationCount = 0
	}

	minutes := in.SourceDuration / 60
	total := float64(c.cfg.Base) + minutes*float64(c.cfg.PerSourceMinute)
	total *= 1 + c.cfg.SafetyBuffer

	if in.OperationCount > c.cfg.BulkOpThreshold || len(in.ExportTypes) > c.cfg.BulkTypeThreshold {
		total *= c.cfg.BulkSurcharge
	}
	if c.cfg.LargeFileBytes > 0 && in.SourceSizeBytes > c.cfg.LargeFileBytes {
		total *= c.cfg.LargeFileSurcharge
	}
	if in.hasExport(ExportCanvas) {
		total *= c.cfg.CanvasSurcharge
	}

	budget := time.Duration(total)
	if c.cfg.MaxTotal > 0 && budget > c.cfg.MaxTotal {
		budget = c.cfg.MaxTotal
	}
	if budget <= 0 {
		return nil, fmt.Errorf("%w (base=%s, per_minute=%s)", ErrDeadlineMisconfigured, c.cfg.Base, c.cfg.PerSourceMinute)
	}

	budgets := make(map[string]time.Duration, len(in.ExportTypes)+1)
	for _, t := range in.ExportTypes {
		name := string(t)
		budgets[name] = time.Duration(c.cfg.StageShares[name] * float64(budget))
	}
	budgets[StagePublish] = time.Duration(c.cfg.StageShares[StagePublish] * float64(budget))

	return &JobDeadline{
		StartedAt:    startedAt,
		Deadline:     startedAt.Add(budget),
		Total:        budget,
		StageBudgets: budgets,
	}, nil
}
