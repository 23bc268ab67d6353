package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Reap re-enqueues the current stage of non-terminal jobs that have not
// moved for StallAfter and hold no live claim. It is safe to run
// concurrently with workers because stage claims de-duplicate tasks.
// It returns the number of tasks enqueued.
func (c *Coordinator) Reap(ctx context.Context) (int, error) {
	now := c.deps.Clock.Now()
	cutoff := now.Add(-c.cfg.StallAfter)
	jobs, err := c.deps.Jobs.ListStalledJobs(ctx, cutoff, c.cfg.ReapBatch)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	c.reapMu.Lock()
	defer c.reapMu.Unlock()
	for id, at := range c.lastReaped {
		if at.Before(cutoff) {
			delete(c.lastReaped, id)
		}
	}

	requeued := 0
	for _, job := range jobs {
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		if _, recent := c.lastReaped[job.ID]; recent {
			continue
		}
		if _, err := c.enqueue(ctx, job.ID, job.CurrentStage); err != nil {
			if errors.Is(err, analysis.ErrQueueFull) {
				c.logger.Warn("queue full, ending reap pass", zap.Int("requeued", requeued))
				return requeued, nil
			}
			return requeued, err
		}
		c.lastReaped[job.ID] = now
		requeued++
		c.logger.Info("re-enqueued stalled job",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.CurrentStage)),
			zap.String("status", string(job.Status)),
			zap.Time("updated_at", job.UpdatedAt))
	}
	return requeued, nil
}
