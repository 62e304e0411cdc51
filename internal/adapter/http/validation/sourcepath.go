package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// maxSourcePathLength is the longest accepted source path (common
// filesystem limit for a full path).
const maxSourcePathLength = 4096

var (
	ErrPathEmpty      = errors.New("source path is empty")
	ErrPathTooLong    = errors.New("source path is too long")
	ErrPathRelative   = errors.New("source path must be absolute")
	ErrPathUnsafe     = errors.New("source path contains unsafe characters")
	ErrPathUnresolved = errors.New("source path must be in resolved form")
)

// SourcePath validates a submitted source file path before it reaches
// the pipeline. The daemon hands this string to ffmpeg and embeds it
// in log lines and progress messages, so it rejects:
//   - empty or overlong values
//   - relative paths (the daemon's working directory is not the client's)
//   - control characters, including NUL, newline and carriage return,
//     which could split log lines or corrupt the render command
//   - unresolved forms ("..", doubled or trailing separators) that
//     disguise which file is actually read
func SourcePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return ErrPathEmpty
	}
	if len(p) > maxSourcePathLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPathTooLong, len(p), maxSourcePathLength)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character 0x%02x", ErrPathUnsafe, r)
		}
	}
	if !filepath.IsAbs(p) {
		return ErrPathRelative
	}
	if filepath.Clean(p) != p {
		return ErrPathUnresolved
	}
	return nil
}
