package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// AppendEvent inserts an event row. The table has no update path.
func (s *Store) AppendEvent(ctx context.Context, evt analysis.Event) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO analysis_events (id, job_id, scope, type, data, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		evt.ID, evt.JobID, evt.Scope, string(evt.Type), nullableJSON(evt.Data), evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent fetches an event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (analysis.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, job_id, scope, type, data, created_at FROM analysis_events WHERE id = $1`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Event{}, analysis.ErrNotFound
	}
	return evt, err
}

// ListEvents returns the job's events in append order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]analysis.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, scope, type, data, created_at
FROM analysis_events WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []analysis.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkEventNotified records the fan-out marker in event_notifications.
func (s *Store) MarkEventNotified(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO event_notifications (event_id, notified_at) VALUES ($1,$2)
ON CONFLICT (event_id) DO NOTHING`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark event notified: %w", err)
	}
	return nil
}

// ListUnnotifiedEvents returns events without a fan-out marker, oldest first.
func (s *Store) ListUnnotifiedEvents(ctx context.Context, before time.Time, limit int) ([]analysis.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT e.id, e.job_id, e.scope, e.type, e.data, e.created_at
FROM analysis_events e
LEFT JOIN event_notifications n ON n.event_id = e.id
WHERE n.event_id IS NULL AND e.created_at <= $1
ORDER BY e.seq
LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query unnotified events: %w", err)
	}
	defer rows.Close()
	var events []analysis.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unnotified events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (analysis.Event, error) {
	var (
		evt       analysis.Event
		eventType string
		data      []byte
	)
	if err := row.Scan(&evt.ID, &evt.JobID, &evt.Scope, &eventType, &data, &evt.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Event{}, err
		}
		return analysis.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Type = analysis.EventType(eventType)
	evt.Data = data
	return evt, nil
}
