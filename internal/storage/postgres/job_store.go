// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/capture-service/internal/capture"
)

const defaultTable = "capture_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job records.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists capture job records in Postgres.
type JobStore struct {
	pool  pool
	table string
}

var (
	_ capture.JobStore  = (*JobStore)(nil)
	_ capture.JobLister = (*JobStore)(nil)
)

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table when it does not exist yet.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           text PRIMARY KEY,
	url          text NOT NULL,
	state        text NOT NULL,
	submitted_at timestamptz NOT NULL,
	started_at   timestamptz,
	finished_at  timestamptz,
	reason       text NOT NULL DEFAULT '',
	status       integer NOT NULL DEFAULT 0,
	screenshots  integer NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_submitted_idx ON %[1]s (submitted_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (s *JobStore) CreateJob(ctx context.Context, job capture.Job) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, state, submitted_at, started_at, finished_at, reason, status, screenshots)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob upserts a job record. Empty URL, zero submission time and a nil
// start time keep the stored values.
func (s *JobStore) UpdateJob(ctx context.Context, job capture.Job) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, url, state, submitted_at, started_at, finished_at, reason, status, screenshots)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	url = CASE WHEN EXCLUDED.url = '' THEN %[1]s.url ELSE EXCLUDED.url END,
	state = EXCLUDED.state,
	submitted_at = CASE WHEN EXCLUDED.submitted_at = 'epoch'::timestamptz THEN %[1]s.submitted_at ELSE EXCLUDED.submitted_at END,
	started_at = COALESCE(EXCLUDED.started_at, %[1]s.started_at),
	finished_at = EXCLUDED.finished_at,
	reason = EXCLUDED.reason,
	status = EXCLUDED.status,
	screenshots = EXCLUDED.screenshots`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob loads a single job record.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (capture.Job, error) {
	query := fmt.Sprintf(`
SELECT id, url, state, submitted_at, started_at, finished_at, reason, status, screenshots
FROM %s WHERE id = $1`, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.Job{}, capture.ErrJobNotFound
	}
	if err != nil {
		return capture.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListJobs returns job records newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter capture.JobFilter) ([]capture.Job, error) {
	var state *string
	if filter.State != "" {
		value := string(filter.State)
		state = &value
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, url, state, submitted_at, started_at, finished_at, reason, status, screenshots
FROM %s
WHERE ($1::text IS NULL OR state = $1)
ORDER BY submitted_at DESC
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.pool.Query(ctx, query, state, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []capture.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func jobArgs(job capture.Job) []any {
	submitted := job.Submitted
	if submitted.IsZero() {
		submitted = time.Unix(0, 0).UTC()
	}
	return []any{
		job.ID,
		job.URL,
		string(job.State),
		submitted,
		job.Started,
		job.Finished,
		job.Reason,
		job.Status,
		job.Screenshots,
	}
}

func scanJob(row pgx.Row) (capture.Job, error) {
	var (
		job   capture.Job
		state string
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&state,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.Reason,
		&job.Status,
		&job.Screenshots,
	)
	if err != nil {
		return capture.Job{}, err
	}
	job.State = capture.JobState(state)
	return job, nil
}
