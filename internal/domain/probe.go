package domain

import (
	"fmt"
	"strconv"
)

// SourceInfo is what a probe of a source file reports: the properties
// the deadline formula budgets on. Zero fields mean the probe could
// not determine the value.
type SourceInfo struct {
	Format    string
	Duration  float64 // seconds
	SizeBytes int64
	Width     int
	Height    int
}

// ProbeFormat and ProbeStream mirror the container and stream sections
// of an ffprobe JSON report. Numeric values arrive as strings.
type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ProbeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type ProbeReport struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

func (r *ProbeReport) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// SourceInfo collapses the report to the fields budgeting needs. The
// container duration wins; a video-stream duration fills in when the
// container has none.
func (r *ProbeReport) SourceInfo() SourceInfo {
	info := SourceInfo{
		Format:    r.Format.FormatName,
		Duration:  ParseProbeDuration(r.Format.Duration),
		SizeBytes: ParseProbeSize(r.Format.Size),
	}
	if vs := r.VideoStream(); vs != nil {
		info.Width = vs.Width
		info.Height = vs.Height
		if info.Duration == 0 {
			info.Duration = ParseProbeDuration(vs.Duration)
		}
	}
	return info
}

// ParseProbeDuration reads an ffprobe duration string. Unset or "N/A"
// values come back as zero.
func ParseProbeDuration(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// ParseProbeSize reads an ffprobe byte-count string.
func ParseProbeSize(s string) int64 {
	if s == "" || s == "N/A" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

const (
	oneKilobyte = 1 << 10
	oneMegabyte = 1 << 20
	oneGigabyte = 1 << 30
)

// FormatDuration renders seconds as m:ss or h:mm:ss for log lines.
func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return "0:00"
	}
	total := int(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}

// FormatSize renders a byte count with a binary unit for log lines.
func FormatSize(bytes int64) string {
	switch {
	case bytes < oneKilobyte:
		return fmt.Sprintf("%d B", bytes)
	case bytes < oneMegabyte:
		return fmt.Sprintf("%.1f KB", float64(bytes)/oneKilobyte)
	case bytes < oneGigabyte:
		return fmt.Sprintf("%.1f MB", float64(bytes)/oneMegabyte)
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/oneGigabyte)
	}
}
