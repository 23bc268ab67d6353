// Package postgres provides a durable stage task queue on a Postgres table.
//
// Dequeue leases the oldest visible row with FOR UPDATE SKIP LOCKED and hides
// it for the visibility timeout. Ack deletes the row. Rows that are never
// acknowledged become visible again, so delivery is at-least-once.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// DB is the subset of pgxpool.Pool used by the queue.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config tunes polling and visibility.
type Config struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultVisibilityTimeout = 5 * time.Minute
)

// Queue implements analysis.Queue on the stage_tasks table.
type Queue struct {
	db    DB
	cfg   Config
	clock func() time.Time
}

// New constructs a Queue.
func New(db DB, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	return &Queue{db: db, cfg: cfg, clock: func() time.Time { return time.Now().UTC() }}, nil
}

// Enqueue inserts the task; re-enqueueing an existing task ID is a no-op.
func (q *Queue) Enqueue(ctx context.Context, task analysis.Task) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO stage_tasks (id, job_id, stage, attempt, enqueued_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`,
		task.ID, task.JobID, string(task.Stage), task.Attempt, task.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue polls until a task is leased or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, ok, err := q.lease(ctx)
		if err != nil {
			return analysis.Task{}, err
		}
		if ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return analysis.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue) lease(ctx context.Context) (analysis.Task, bool, error) {
	now := q.clock()
	row := q.db.QueryRow(ctx, `
UPDATE stage_tasks SET locked_until = $1, attempt = attempt + 1
WHERE id = (
	SELECT id FROM stage_tasks
	WHERE locked_until IS NULL OR locked_until < $2
	ORDER BY enqueued_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, job_id, stage, attempt, enqueued_at`, now.Add(q.cfg.VisibilityTimeout), now)
	var (
		task  analysis.Task
		stage string
	)
	err := row.Scan(&task.ID, &task.JobID, &stage, &task.Attempt, &task.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Task{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return analysis.Task{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
		return analysis.Task{}, false, fmt.Errorf("lease task: %w", err)
	}
	task.Stage = analysis.Stage(stage)
	return task, true, nil
}

// Ack removes a processed task.
func (q *Queue) Ack(ctx context.Context, task analysis.Task) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM stage_tasks WHERE id = $1`, task.ID); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}
