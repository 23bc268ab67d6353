// Package worker implements the stage task execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/metrics"
)

const tracerName = "github.com/JakeFAU/siteboost/internal/worker"

// Processor executes one stage task. An error means the task should be retried.
type Processor interface {
	Process(ctx context.Context, task analysis.Task) error
}

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts caps deliveries of a failing task before it is dropped.
	MaxAttempts int
	// RetryDelay is waited before a failed task is handed back to the queue.
	RetryDelay time.Duration
}

// Worker consumes queue tasks and runs them through the Processor.
type Worker struct {
	id        int
	queue     analysis.Queue
	processor Processor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(id int, queue analysis.Queue, processor Processor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("task_id", task.ID),
			zap.String("job_id", task.JobID),
			zap.String("stage", string(task.Stage)))
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task analysis.Task) {
	err := w.process(ctx, task)
	if err == nil {
		w.ack(ctx, task)
		return
	}

	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.String("stage", string(task.Stage)),
		zap.Int("attempt", task.Attempt),
	)
	if ctx.Err() != nil {
		// Unacked tasks are redelivered by durable queues after shutdown.
		logger.Info("task interrupted by shutdown", zap.Error(err))
		return
	}
	if task.Attempt >= w.cfg.MaxAttempts {
		logger.Error("task failed permanently", zap.Error(err))
		w.ack(ctx, task)
		return
	}
	logger.Warn("task failed; retrying", zap.Error(err))
	if !sleep(ctx, w.cfg.RetryDelay) {
		return
	}
	// Durable queues ignore a re-enqueue of a known task ID and redeliver
	// after the visibility timeout instead.
	if err := w.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, analysis.ErrQueueFull) {
			logger.Warn("queue full, leaving task to the reaper")
			return
		}
		logger.Error("requeue task failed", zap.Error(err))
	}
}

func (w *Worker) process(ctx context.Context, task analysis.Task) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage "+string(task.Stage),
		trace.WithAttributes(
			attribute.String("job_id", task.JobID),
			attribute.String("task_id", task.ID),
			attribute.Int("attempt", task.Attempt),
		))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	err := w.processor.Process(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
	}
	return err
}

func (w *Worker) ack(ctx context.Context, task analysis.Task) {
	if err := w.queue.Ack(ctx, task); err != nil {
		w.logger.Error("ack task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
