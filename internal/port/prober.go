package port

import (
	"github.com/arvio/clipd/internal/domain"
)

// SourceProber measures a source file ahead of budgeting, so a
// submission missing duration or size still gets an honest deadline.
type SourceProber interface {
	ProbeSource(path string) (domain.SourceInfo, error)
}
