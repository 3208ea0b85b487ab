// Package postgres upserts aggregated job records into a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "job_postings"

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobStore keeps the latest version of every posting, keyed by (company, url).
type JobStore struct {
	pool  txBeginner
	table string
	now   func() time.Time
}

// NewJobStore connects a pool from cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	store, err := NewJobStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool txBeginner, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{
		pool:  pool,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name implements export.RecordSink.
func (s *JobStore) Name() string {
	return "postgres"
}

// EnsureSchema creates the table when it is missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	company             TEXT NOT NULL,
	url                 TEXT NOT NULL,
	title               TEXT NOT NULL,
	location            TEXT,
	compensation        TEXT,
	extraction_strategy TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	description         TEXT,
	responsibilities    TEXT,
	qualifications      TEXT,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (company, url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes records in one transaction and returns the number of rows
// written. Existing rows are replaced.
func (s *JobStore) Upsert(ctx context.Context, records []crawler.JobRecord) (n int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	company, url, title, location, compensation, extraction_strategy,
	confidence, description, responsibilities, qualifications, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (company, url) DO UPDATE SET
	title = EXCLUDED.title,
	location = EXCLUDED.location,
	compensation = EXCLUDED.compensation,
	extraction_strategy = EXCLUDED.extraction_strategy,
	confidence = EXCLUDED.confidence,
	description = EXCLUDED.description,
	responsibilities = EXCLUDED.responsibilities,
	qualifications = EXCLUDED.qualifications,
	updated_at = EXCLUDED.updated_at`, s.table)

	now := s.now()
	for _, r := range records {
		if _, err = tx.Exec(ctx, query,
			r.Company,
			r.URL,
			r.Title,
			r.Location,
			r.Compensation,
			string(r.Strategy),
			r.Confidence,
			r.Description,
			r.Responsibilities,
			r.Qualifications,
			now,
		); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", r.URL, err)
		}
		n++
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
