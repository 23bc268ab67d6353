// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Queue is a bounded in-memory stage task queue with context-aware operations.
type Queue struct {
	ch      chan analysis.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan analysis.Task, capacity),
	}
}

// Enqueue pushes a task into the queue without waiting. A full buffer
// returns analysis.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, task analysis.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return fmt.Errorf("enqueue %s for %s: %w", task.Stage, task.JobID, analysis.ErrQueueFull)
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Task, error) {
	select {
	case <-ctx.Done():
		return analysis.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return analysis.Task{}, errors.New("queue closed")
		}
		task.Attempt++
		return task, nil
	}
}

// Ack is a no-op; tasks leave the channel when dequeued.
func (q *Queue) Ack(context.Context, analysis.Task) error {
	return nil
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
