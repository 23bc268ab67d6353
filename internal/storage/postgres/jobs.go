package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

const jobColumns = `id, correlation_id, owner_id, url, settings, status, current_stage, progress,
	error_details, version, content_uri, content_hash, metadata, lease_expires_at,
	created_at, updated_at, completed_at`

// CreateJob inserts a job; a repeated (owner, correlation) pair yields ErrDuplicateCorrelation.
func (s *Store) CreateJob(ctx context.Context, job analysis.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO analysis_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (owner_id, correlation_id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrDuplicateCorrelation
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (analysis.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// GetJobByCorrelation fetches the owner's job created with correlationID.
func (s *Store) GetJobByCorrelation(ctx context.Context, ownerID, correlationID string) (analysis.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE owner_id = $1 AND correlation_id = $2`,
		ownerID, correlationID)
	return scanJob(row)
}

// UpdateJob writes every mutable column guarded by the expected version.
func (s *Store) UpdateJob(ctx context.Context, job analysis.Job, expectedVersion int64) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var errorDetails []byte
	if job.ErrorDetails != nil {
		if errorDetails, err = json.Marshal(job.ErrorDetails); err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE analysis_jobs SET
	settings = $2, status = $3, current_stage = $4, progress = $5, error_details = $6,
	version = $7, content_uri = $8, content_hash = $9, metadata = $10, lease_expires_at = $11,
	updated_at = $12, completed_at = $13
WHERE id = $1 AND version = $14`,
		job.ID, settings, string(job.Status), string(job.CurrentStage), job.Progress, nullableJSON(errorDetails),
		job.Version, job.ContentURI, job.ContentHash, metadata, job.LeaseExpiresAt,
		job.UpdatedAt, job.CompletedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrVersionConflict
	}
	return nil
}

// ListStalledJobs returns non-terminal jobs last updated before the cutoff.
func (s *Store) ListStalledJobs(ctx context.Context, before time.Time, limit int) ([]analysis.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM analysis_jobs
WHERE status NOT IN ('COMPLETED', 'FAILED') AND updated_at < $1
ORDER BY updated_at
LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled jobs: %w", err)
	}
	defer rows.Close()
	var jobs []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", err)
	}
	return jobs, nil
}

func jobArgs(job analysis.Job) ([]any, error) {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var errorDetails []byte
	if job.ErrorDetails != nil {
		if errorDetails, err = json.Marshal(job.ErrorDetails); err != nil {
			return nil, fmt.Errorf("marshal error details: %w", err)
		}
	}
	return []any{
		job.ID, job.CorrelationID, job.OwnerID, job.URL, settings, string(job.Status),
		string(job.CurrentStage), job.Progress, nullableJSON(errorDetails), job.Version,
		job.ContentURI, job.ContentHash, metadata, job.LeaseExpiresAt,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	}, nil
}

func scanJob(row rowScanner) (analysis.Job, error) {
	var (
		job                              analysis.Job
		status, stage                    string
		settings, metadata, errorDetails []byte
	)
	err := row.Scan(
		&job.ID, &job.CorrelationID, &job.OwnerID, &job.URL, &settings, &status, &stage, &job.Progress,
		&errorDetails, &job.Version, &job.ContentURI, &job.ContentHash, &metadata, &job.LeaseExpiresAt,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Job{}, analysis.ErrNotFound
	}
	if err != nil {
		return analysis.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = analysis.Status(status)
	job.CurrentStage = analysis.Stage(stage)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return analysis.Job{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return analysis.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(errorDetails) > 0 {
		job.ErrorDetails = &analysis.ErrorDetails{}
		if err := json.Unmarshal(errorDetails, job.ErrorDetails); err != nil {
			return analysis.Job{}, fmt.Errorf("decode error details: %w", err)
		}
	}
	return job, nil
}
