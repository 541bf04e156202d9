// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/aide/lib/codec"
	"github.com/bureau-foundation/aide/lib/cron"
	"github.com/bureau-foundation/aide/lib/sqlitepool"
)

var (
	// ErrJobNotFound is returned when no job matches the given id or
	// prefix.
	ErrJobNotFound = errors.New("schedule: job not found")

	// ErrJobAmbiguous is returned when an id prefix matches more than
	// one job. The caller should show more characters.
	ErrJobAmbiguous = errors.New("schedule: job id prefix is ambiguous")
)

// jobsSchema creates the jobs table. The CBOR payload holds the
// immutable job definition; last_run and next_due live in columns so
// the poll query and update-in-place never touch the payload.
const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	once       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_run   INTEGER,
	next_due   INTEGER NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_due ON jobs(next_due);
`

// jobRecord is the CBOR payload. Mutable scheduling state (last_run,
// next_due) is deliberately absent; the table columns are
// authoritative for it.
type jobRecord struct {
	ID        string `cbor:"id"`
	Kind      string `cbor:"kind"`
	CronSpec  string `cbor:"cron,omitempty"`
	Prompt    string `cbor:"prompt"`
	Channel   string `cbor:"channel"`
	Model     string `cbor:"model,omitempty"`
	Once      bool   `cbor:"once,omitempty"`
	CreatedAt int64  `cbor:"created_at"`
}

// Store persists jobs in SQLite. Every mutation is a single-statement
// (or single-transaction) write: a job is either durably created,
// durably removed, or untouched; readers never observe a partial
// row. Safe for concurrent use; connections come from the shared
// pool.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// NewStore ensures the jobs schema exists on the shared pool and
// returns the store.
func NewStore(ctx context.Context, pool *sqlitepool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("schedule store: pool is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, jobsSchema, nil); err != nil {
		return nil, fmt.Errorf("schedule store: creating schema: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Create durably inserts the job. On return the job either exists in
// the store or the error says it does not.
func (s *Store) Create(ctx context.Context, job *Job) error {
	payload, err := codec.Marshal(jobRecord{
		ID:        job.ID,
		Kind:      string(job.Kind),
		CronSpec:  job.CronSpec,
		Prompt:    job.Prompt,
		Channel:   job.Channel,
		Model:     job.Model,
		Once:      job.Once,
		CreatedAt: job.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("schedule store: encode job: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("schedule store: create job: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO jobs (id, kind, once, created_at, last_run, next_due, payload)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				job.ID,
				string(job.Kind),
				boolToInt(job.Once),
				job.CreatedAt.UnixNano(),
				job.NextDue.UnixNano(),
				payload,
			},
		})
	if err != nil {
		return fmt.Errorf("schedule store: create job: %w", err)
	}

	s.logger.Info("job created",
		"job", shortID(job.ID),
		"kind", job.Kind,
		"channel", job.Channel,
		"next_due", job.NextDue,
	)
	return nil
}

// Get returns the job with the exact id, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule store: get job: %w", err)
	}
	defer s.pool.Put(conn)

	var job *Job
	err = sqlitex.Execute(conn,
		`SELECT payload, last_run, next_due FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				decoded, err := scanJob(stmt)
				if err != nil {
					return err
				}
				job = decoded
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("schedule store: get job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns all jobs ordered by next due time.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule store: list jobs: %w", err)
	}
	defer s.pool.Put(conn)

	var jobs []*Job
	err = sqlitex.Execute(conn,
		`SELECT payload, last_run, next_due FROM jobs ORDER BY next_due`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job, err := scanJob(stmt)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("schedule store: list jobs: %w", err)
	}
	return jobs, nil
}

// Due returns the jobs whose next due time is at or before now,
// earliest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule store: due jobs: %w", err)
	}
	defer s.pool.Put(conn)

	var jobs []*Job
	err = sqlitex.Execute(conn,
		`SELECT payload, last_run, next_due FROM jobs WHERE next_due <= ? ORDER BY next_due`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job, err := scanJob(stmt)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("schedule store: due jobs: %w", err)
	}
	return jobs, nil
}

// Remove durably deletes the job with the exact id. Returns
// ErrJobNotFound if no row was deleted.
func (s *Store) Remove(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("schedule store: remove job: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM jobs WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return fmt.Errorf("schedule store: remove job: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrJobNotFound
	}

	s.logger.Info("job removed", "job", shortID(id))
	return nil
}

// RemoveByPrefix deletes the single job whose id starts with prefix
// and returns its full id. A prefix matching no job returns
// ErrJobNotFound; a prefix matching several returns ErrJobAmbiguous.
func (s *Store) RemoveByPrefix(ctx context.Context, prefix string) (string, error) {
	if !validHexPrefix(prefix) {
		return "", fmt.Errorf("%w: invalid id prefix %q", ErrJobNotFound, prefix)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("schedule store: remove job: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("schedule store: remove job: %w", err)
	}
	defer endTransaction(&err)

	var matches []string
	err = sqlitex.Execute(conn, `SELECT id FROM jobs WHERE id LIKE ?`, &sqlitex.ExecOptions{
		Args: []any{prefix + "%"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			matches = append(matches, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("schedule store: remove job: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", ErrJobNotFound
	case 1:
	default:
		return "", fmt.Errorf("%w: %q matches %d jobs", ErrJobAmbiguous, prefix, len(matches))
	}

	id := matches[0]
	err = sqlitex.Execute(conn, `DELETE FROM jobs WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return "", fmt.Errorf("schedule store: remove job: %w", err)
	}

	s.logger.Info("job removed", "job", shortID(id))
	return id, nil
}

// MarkRun records a completed run: last_run becomes the fire time and
// next_due advances. The payload is untouched.
func (s *Store) MarkRun(ctx context.Context, id string, lastRun, nextDue time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("schedule store: mark run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE jobs SET last_run = ?, next_due = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{lastRun.UnixNano(), nextDue.UnixNano(), id},
		})
	if err != nil {
		return fmt.Errorf("schedule store: mark run: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Reschedule advances next_due without recording a run. Used when a
// missed or failed trigger defers to the next natural one.
func (s *Store) Reschedule(ctx context.Context, id string, nextDue time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("schedule store: reschedule: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE jobs SET next_due = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{nextDue.UnixNano(), id},
		})
	if err != nil {
		return fmt.Errorf("schedule store: reschedule: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// scanJob decodes one row: payload(0), last_run(1), next_due(2).
func scanJob(stmt *sqlite.Stmt) (*Job, error) {
	payload := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, payload)

	var record jobRecord
	if err := codec.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}

	job := &Job{
		ID:        record.ID,
		Kind:      TriggerKind(record.Kind),
		CronSpec:  record.CronSpec,
		Prompt:    record.Prompt,
		Channel:   record.Channel,
		Model:     record.Model,
		Once:      record.Once,
		CreatedAt: time.Unix(0, record.CreatedAt),
		NextDue:   time.Unix(0, stmt.ColumnInt64(2)),
	}
	if !stmt.ColumnIsNull(1) {
		job.LastRun = time.Unix(0, stmt.ColumnInt64(1))
	}

	if job.Kind == TriggerCron {
		schedule, err := cron.Parse(record.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("job %s has invalid cron spec %q: %w", shortID(job.ID), record.CronSpec, err)
		}
		job.schedule = schedule
	}

	return job, nil
}

// validHexPrefix reports whether prefix is non-empty lowercase hex.
// Ids are hex, so anything else cannot match and would let LIKE
// wildcards through.
func validHexPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}
	for _, r := range prefix {
		digit := r >= '0' && r <= '9'
		letter := r >= 'a' && r <= 'f'
		if !digit && !letter {
			return false
		}
	}
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
