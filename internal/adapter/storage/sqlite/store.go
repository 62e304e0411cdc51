package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/port"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the durable job record store.
type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewStore(dataDir string) (*Store, error) {
	registerHook()

	dbPath := filepath.Join(dataDir, "clipd.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const selectJob = `
SELECT id, work_key, status, progress, attempts, error_message, details, output,
       created_at, started_at, updated_at, completed_at
FROM jobs`

func (s *Store) Create(rec *domain.JobRecord) error {
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO jobs (id, work_key, status, progress, attempts, error_message, details, output,
                  created_at, started_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, string(rec.Status), rec.Progress, rec.Attempts,
		rec.ErrorMessage, rec.Details, rec.Output,
		rec.CreatedAt, nullTime(rec.StartedAt), rec.UpdatedAt, nullTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(id string) (*domain.JobRecord, error) {
	row := s.db.QueryRowContext(context.Background(), selectJob+" WHERE id = ?", id)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) ActiveByKey(key string) ([]*domain.JobRecord, error) {
	rows, err := s.db.QueryContext(context.Background(),
		selectJob+" WHERE work_key = ? AND status IN (?, ?) ORDER BY created_at DESC",
		key, string(domain.JobStatusPending), string(domain.JobStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// UpdateIf applies the patch in one statement guarded by the allowed
// statuses; the row count tells whether the guard held.
func (s *Store) UpdateIf(id string, allowed []domain.JobStatus, patch domain.RecordPatch) (bool, error) {
	if len(allowed) == 0 {
		return false, nil
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *patch.Output)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.ClearCompleted {
		sets = append(sets, "completed_at = NULL")
	}
	if patch.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}

	placeholders := make([]string, len(allowed))
	for i := range allowed {
		placeholders[i] = "?"
	}
	args = append(args, id)
	for _, st := range allowed {
		args = append(args, string(st))
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + strings.Join(placeholders, ", ") + ")"
	res, err := s.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(context.Background(), "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListByStatus(status domain.JobStatus) ([]*domain.JobRecord, error) {
	rows, err := s.db.QueryContext(context.Background(),
		selectJob+" WHERE status = ? ORDER BY created_at", string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) List(limit int) ([]*domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(context.Background(),
		selectJob+" ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) PruneTerminal(before time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?",
		string(domain.JobStatusCompleted), string(domain.JobStatusFailed), string(domain.JobStatusCancelled),
		before)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.JobRecord, error) {
	var (
		rec       domain.JobRecord
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Key, &status, &rec.Progress, &rec.Attempts,
		&rec.ErrorMessage, &rec.Details, &rec.Output,
		&rec.CreatedAt, &started, &rec.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	rec.Status = domain.JobStatus(status)
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func collectJobs(rows *sql.Rows) ([]*domain.JobRecord, error) {
	var out []*domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ port.RecordStore = (*Store)(nil)
