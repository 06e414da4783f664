package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// JobStore persists job records as JSONB documents keyed by job ID.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStoreWithPool constructs a JobStore from an existing pool.
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "scrape_jobs")
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: name}, nil
}

// EnsureSchema creates the job table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	record       JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a new job record.
func (s *JobStore) CreateJob(ctx context.Context, record scrape.JobRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, status, record, submitted_at) VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.pool.Exec(ctx, query, record.Job.ID, string(record.Status), raw, record.Submitted.UTC()); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the stored record.
func (s *JobStore) UpdateJob(ctx context.Context, record scrape.JobRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $1, record = $2, updated_at = now() WHERE id = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(record.Status), raw, record.Job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrJobNotFound
	}
	return nil
}

// GetJob loads a job record.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.JobRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, s.table)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.JobRecord{}, scrape.ErrJobNotFound
		}
		return scrape.JobRecord{}, fmt.Errorf("select job: %w", err)
	}
	var record scrape.JobRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return scrape.JobRecord{}, fmt.Errorf("unmarshal job record: %w", err)
	}
	return record, nil
}
