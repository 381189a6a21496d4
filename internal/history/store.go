package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"transcription-engine/internal/domain"
)

// ErrDisabled is returned by callers that run without a history database.
var ErrDisabled = errors.New("job history is not available")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one job as remembered across runs.
type Entry struct {
	JobID      string           `json:"jobId"`
	SourcePath string           `json:"sourcePath"`
	Status     domain.JobStatus `json:"status"`
	Strategy   string           `json:"strategy,omitempty"`
	OutputPath string           `json:"outputPath,omitempty"`
	Error      string           `json:"error,omitempty"`
	Elapsed    time.Duration    `json:"elapsed"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Store persists job outcomes in SQLite.
type Store struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

// Open opens the database at dbPath and applies pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("make db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, sq: sq.StatementBuilder}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts a new entry or overwrites the mutable columns of an existing
// one. Empty strategy and output values keep what was stored before.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	now := time.Now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	q := s.sq.Insert("job_history").
		Columns("job_id", "source_path", "status", "strategy", "output_path", "error", "elapsed_ms", "created_at", "updated_at").
		Values(e.JobID, e.SourcePath, string(e.Status), e.Strategy, e.OutputPath, e.Error, e.Elapsed.Milliseconds(),
			created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)).
		Suffix(`ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			strategy = CASE WHEN excluded.strategy = '' THEN job_history.strategy ELSE excluded.strategy END,
			output_path = CASE WHEN excluded.output_path = '' THEN job_history.output_path ELSE excluded.output_path END,
			error = excluded.error,
			elapsed_ms = CASE WHEN excluded.elapsed_ms = 0 THEN job_history.elapsed_ms ELSE excluded.elapsed_ms END,
			updated_at = excluded.updated_at`)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// SetStrategy records which backend ran a job.
func (s *Store) SetStrategy(ctx context.Context, jobID, strategy string) error {
	q := s.sq.Update("job_history").
		Set("strategy", strategy).
		Set("updated_at", time.Now().UTC().Format(time.RFC3339Nano)).
		Where(sq.Eq{"job_id": jobID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// Get returns one entry, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	q := s.selectEntries().Where(sq.Eq{"job_id": jobID}).Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Entry{}, err
	}
	return scanEntry(s.db.QueryRowContext(ctx, sqlStr, args...))
}

// List returns the most recently updated entries first. status filters when
// non-empty.
func (s *Store) List(ctx context.Context, limit int, status domain.JobStatus) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.selectEntries().OrderBy("updated_at DESC", "job_id").Limit(uint64(limit))
	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) selectEntries() sq.SelectBuilder {
	return s.sq.Select("job_id", "source_path", "status", "strategy", "output_path", "error", "elapsed_ms", "created_at", "updated_at").
		From("job_history")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                Entry
		status           string
		elapsedMS        int64
		created, updated string
	)
	if err := row.Scan(&e.JobID, &e.SourcePath, &status, &e.Strategy, &e.OutputPath, &e.Error, &elapsedMS, &created, &updated); err != nil {
		return Entry{}, err
	}
	e.Status = domain.JobStatus(status)
	e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var n int
		err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, name).Scan(&n)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		body, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations(name, applied_at) VALUES (?, ?)`, name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}
