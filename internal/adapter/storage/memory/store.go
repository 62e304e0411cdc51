package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/port"
)

// Store keeps job records in memory. It backs tests and the
// storage=memory configuration; records vanish with the process.
type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.JobRecord
}

func NewStore() *Store {
	return &Store{records: make(map[string]*domain.JobRecord)}
}

func (s *Store) Create(rec *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("job %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Get(id string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) ActiveByKey(key string) ([]*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.JobRecord
	for _, rec := range s.records {
		if rec.Key == key && rec.Status.Active() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateIf(id string, allowed []domain.JobStatus, patch domain.RecordPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !statusIn(rec.Status, allowed) {
		return false, nil
	}
	patch.Apply(rec, time.Now().UTC())
	return true, nil
}

func (s *Store) ListByStatus(status domain.JobStatus) ([]*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.JobRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) List(limit int) ([]*domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PruneTerminal(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func statusIn(s domain.JobStatus, set []domain.JobStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

var _ port.RecordStore = (*Store)(nil)
