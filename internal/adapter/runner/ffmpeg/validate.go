package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPath   = errors.New("empty path")
	ErrInvalidPath = errors.New("invalid path")
)

// validatePath rejects paths no filesystem call could accept.
func validatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(p, '\x00') {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	return nil
}
