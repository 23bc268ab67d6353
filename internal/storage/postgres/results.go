package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// PutStageResult inserts the dimension result once.
func (s *Store) PutStageResult(ctx context.Context, result analysis.StageResult) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO stage_results (job_id, dimension, status, data, error, duration_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, dimension) DO NOTHING`,
		result.JobID, string(result.Dimension), string(result.Status), nullableJSON(result.Data),
		result.Error, result.Duration.Milliseconds(), result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrResultExists
	}
	return nil
}

// ListStageResults returns the job's results ordered by dimension.
func (s *Store) ListStageResults(ctx context.Context, jobID string) ([]analysis.StageResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT job_id, dimension, status, data, error, duration_ms, created_at
FROM stage_results WHERE job_id = $1 ORDER BY dimension`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()
	var results []analysis.StageResult
	for rows.Next() {
		var (
			r                 analysis.StageResult
			dimension, status string
			data              []byte
			durationMs        int64
		)
		if err := rows.Scan(&r.JobID, &dimension, &status, &data, &r.Error, &durationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		r.Dimension = analysis.Dimension(dimension)
		r.Status = analysis.ResultStatus(status)
		r.Data = data
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return results, nil
}

// PutRecommendations stores the job's recommendations once.
func (s *Store) PutRecommendations(ctx context.Context, jobID string, recs []analysis.Recommendation) error {
	items, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO recommendations (job_id, items) VALUES ($1, $2)
ON CONFLICT (job_id) DO NOTHING`, jobID, items)
	if err != nil {
		return fmt.Errorf("insert recommendations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrResultExists
	}
	return nil
}

// ListRecommendations returns the job's recommendations, or none if not generated yet.
func (s *Store) ListRecommendations(ctx context.Context, jobID string) ([]analysis.Recommendation, error) {
	rows, err := s.pool.Query(ctx, `SELECT items FROM recommendations WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()
	var recs []analysis.Recommendation
	for rows.Next() {
		var items []byte
		if err := rows.Scan(&items); err != nil {
			return nil, fmt.Errorf("scan recommendations: %w", err)
		}
		if err := json.Unmarshal(items, &recs); err != nil {
			return nil, fmt.Errorf("decode recommendations: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendations: %w", err)
	}
	return recs, nil
}
