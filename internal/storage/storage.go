// Package storage persists classification jobs and their result envelopes
// in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// Manager handles PostgreSQL storage operations.
type Manager struct {
	db *sql.DB
}

// NewManager connects to PostgreSQL and initializes the schema.
func NewManager(postgresURL string) (*Manager, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	m := &Manager{db: db}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return m, nil
}

// initSchema creates tables and indexes if they don't exist.
func (m *Manager) initSchema() error {
	tableSchema := `
	CREATE SCHEMA IF NOT EXISTS mediaclass;

	-- Classification jobs
	CREATE TABLE IF NOT EXISTS mediaclass.jobs (
		job_id VARCHAR(255) PRIMARY KEY,
		kind VARCHAR(50) NOT NULL,
		input_count INT NOT NULL,
		status VARCHAR(50) NOT NULL,
		options JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error TEXT
	);

	-- Result envelopes, one row per job
	CREATE TABLE IF NOT EXISTS mediaclass.results (
		job_id VARCHAR(255) PRIMARY KEY REFERENCES mediaclass.jobs(job_id) ON DELETE CASCADE,
		backend VARCHAR(50) NOT NULL,
		classes_count INT NOT NULL,
		items_total INT NOT NULL,
		items_failed INT NOT NULL,
		envelope JSONB NOT NULL,
		processing_ms FLOAT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := m.db.Exec(tableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON mediaclass.jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON mediaclass.jobs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_results_created_at ON mediaclass.results(created_at)`,
	}

	for _, stmt := range indexStatements {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w (statement: %s)", err, stmt)
		}
	}

	return nil
}

// StoreJob records an accepted job in pending state.
func (m *Manager) StoreJob(ctx context.Context, job *models.JobPayload) error {
	query := `
		INSERT INTO mediaclass.jobs (job_id, kind, input_count, status, options, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			input_count = EXCLUDED.input_count,
			options = EXCLUDED.options
	`

	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	enqueued := time.Now()
	if job.EnqueuedAt != nil {
		enqueued = *job.EnqueuedAt
	}

	count := len(job.Inputs) + len(job.Images) + len(job.Videos)
	_, err = m.db.ExecContext(ctx, query,
		job.JobID,
		job.Kind,
		count,
		"pending",
		optionsJSON,
		enqueued,
	)

	return err
}

// MarkJobStarted transitions a job into processing state.
func (m *Manager) MarkJobStarted(ctx context.Context, jobID string) error {
	query := `
		UPDATE mediaclass.jobs
		SET status = 'processing', started_at = CURRENT_TIMESTAMP
		WHERE job_id = $1
	`

	_, err := m.db.ExecContext(ctx, query, jobID)
	return err
}

// UpdateJobStatus updates job status; terminal states stamp completed_at.
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID, status, errorMsg string) error {
	query := `
		UPDATE mediaclass.jobs
		SET status = $2, error = $3, completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE job_id = $1
	`

	_, err := m.db.ExecContext(ctx, query, jobID, status, errorMsg)
	return err
}

// StoreResult persists a completed batch envelope.
func (m *Manager) StoreResult(ctx context.Context, jobID string, result *models.BatchResult) error {
	envelope, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result envelope: %w", err)
	}

	failed := 0
	for _, entry := range result.Results {
		if entry.Error != "" {
			failed++
		}
	}

	query := `
		INSERT INTO mediaclass.results (job_id, backend, classes_count, items_total, items_failed, envelope, processing_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET
			backend = EXCLUDED.backend,
			classes_count = EXCLUDED.classes_count,
			items_total = EXCLUDED.items_total,
			items_failed = EXCLUDED.items_failed,
			envelope = EXCLUDED.envelope,
			processing_ms = EXCLUDED.processing_ms
	`

	_, err = m.db.ExecContext(ctx, query,
		jobID,
		result.Backend,
		result.ModelInfo.ClassesCount,
		len(result.Results),
		failed,
		envelope,
		result.Timings["total"],
	)

	return err
}

// LoadResult fetches a stored envelope, or nil when none exists yet.
func (m *Manager) LoadResult(ctx context.Context, jobID string) (*models.BatchResult, error) {
	query := `SELECT envelope FROM mediaclass.results WHERE job_id = $1`

	var raw []byte
	if err := m.db.QueryRowContext(ctx, query, jobID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load result: %w", err)
	}

	var result models.BatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result envelope: %w", err)
	}
	return &result, nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}
