// Package postgres persists job history in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultJobsTable     = "capture_jobs"
	defaultAttemptsTable = "capture_attempts"
)

// HistoryStoreConfig controls the connection pool and table names.
type HistoryStoreConfig struct {
	DSN             string
	JobsTable       string
	AttemptsTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// HistoryStore writes job snapshots and attempt rows.
type HistoryStore struct {
	pool     execCloser
	jobs     string
	attempts string
}

// NewHistoryStore connects a pool using cfg.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	jobs, attempts, err := tableNames(cfg.JobsTable, cfg.AttemptsTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: pool, jobs: jobs, attempts: attempts}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool execCloser, jobsTable, attemptsTable string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	jobs, attempts, err := tableNames(jobsTable, attemptsTable)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, jobs: jobs, attempts: attempts}, nil
}

func tableNames(jobs, attempts string) (string, string, error) {
	if jobs == "" {
		jobs = defaultJobsTable
	}
	if attempts == "" {
		attempts = defaultAttemptsTable
	}
	for _, name := range []string{jobs, attempts} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return jobs, attempts, nil
}

// EnsureSchema creates the history tables when missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id      TEXT PRIMARY KEY,
	url         TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	error_code  TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL
)`, s.jobs),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id       TEXT NOT NULL,
	strategy     TEXT NOT NULL,
	attempt      INT NOT NULL,
	outcome      TEXT NOT NULL,
	code         TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL
)`, s.attempts),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertJob writes the latest snapshot for a job. Older snapshots never
// overwrite newer ones, and empty URL or strategy values keep the stored ones.
func (s *HistoryStore) UpsertJob(ctx context.Context, rec capture.JobRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, url, status, strategy, error_code, note, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id) DO UPDATE SET
	url = COALESCE(NULLIF(EXCLUDED.url, ''), %[1]s.url),
	status = EXCLUDED.status,
	strategy = COALESCE(NULLIF(EXCLUDED.strategy, ''), %[1]s.strategy),
	error_code = EXCLUDED.error_code,
	note = EXCLUDED.note,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.jobs)

	if _, err := s.pool.Exec(ctx, query,
		rec.JobID,
		rec.URL,
		string(rec.Status),
		rec.Strategy,
		rec.ErrorCode,
		rec.Note,
		rec.At,
	); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// RecordAttempt inserts one attempt row.
func (s *HistoryStore) RecordAttempt(ctx context.Context, rec capture.AttemptRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, strategy, attempt, outcome, code, duration_ms, attempted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.attempts)

	if _, err := s.pool.Exec(ctx, query,
		rec.JobID,
		rec.Strategy,
		rec.Attempt,
		rec.Outcome,
		rec.Code,
		rec.Duration.Milliseconds(),
		rec.At,
	); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}
