package ffmpeg

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/port"
)

// Prober measures source files with ffprobe.
type Prober struct {
	ffprobe string
}

func NewProber(ffprobePath string) (*Prober, error) {
	binary := ffprobePath
	if binary == "" {
		path, err := exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("locate ffprobe: %w", err)
		}
		binary = path
	}
	return &Prober{ffprobe: binary}, nil
}

func (p *Prober) ProbeSource(path string) (domain.SourceInfo, error) {
	if err := validatePath(path); err != nil {
		return domain.SourceInfo{}, fmt.Errorf("source: %w", err)
	}

	cmd := exec.Command(p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return domain.SourceInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return domain.SourceInfo{}, err
	}
	// Container metadata can omit the size; the filesystem knows it.
	if info.SizeBytes == 0 {
		if stat, statErr := os.Stat(path); statErr == nil {
			info.SizeBytes = stat.Size()
		}
	}
	return info, nil
}

func parseProbeOutput(output []byte) (domain.SourceInfo, error) {
	var report domain.ProbeReport
	if err := json.Unmarshal(output, &report); err != nil {
		return domain.SourceInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return report.SourceInfo(), nil
}

var _ port.SourceProber = (*Prober)(nil)
