package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/metrics"
)

// transition is one row of the stage table.
type transition struct {
	from     analysis.Status
	stage    analysis.Stage
	kind     analysis.OutcomeKind
	to       analysis.Status
	progress float64
	event    analysis.EventType
	next     analysis.Stage
}

// Failure is accepted from any non-terminal state and is handled outside the table.
var transitions = []transition{
	{analysis.StatusPending, analysis.StageFetch, analysis.OutcomeStarted, analysis.StatusParsing, 0.05, "", ""},
	{analysis.StatusParsing, analysis.StageFetch, analysis.OutcomeStarted, analysis.StatusParsing, 0.05, "", ""},
	{
		analysis.StatusParsing, analysis.StageFetch, analysis.OutcomeSucceeded,
		analysis.StatusAnalyzing, 0.25, analysis.EventParsingComplete, analysis.StageAnalyze,
	},
	{analysis.StatusAnalyzing, analysis.StageAnalyze, analysis.OutcomeStarted, analysis.StatusAnalyzing, 0.30, "", ""},
	{
		analysis.StatusAnalyzing, analysis.StageAnalyze, analysis.OutcomeSucceeded,
		analysis.StatusRecommending, 0.75, analysis.EventAnalysisComplete, analysis.StageRecommend,
	},
	{analysis.StatusRecommending, analysis.StageRecommend, analysis.OutcomeStarted, analysis.StatusRecommending, 0.80, "", ""},
	{
		analysis.StatusRecommending, analysis.StageRecommend, analysis.OutcomeSucceeded,
		analysis.StatusCompleted, 1.0, analysis.EventRecommendationsComplete, "",
	},
}

func lookup(from analysis.Status, stage analysis.Stage, kind analysis.OutcomeKind) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.stage == stage && t.kind == kind {
			return t, true
		}
	}
	return transition{}, false
}

// effects are the side effects of a committed transition.
type effects struct {
	event analysis.EventType
	data  map[string]any
	next  analysis.Stage
}

// AdvanceStage applies outcome to the job if its version equals
// expectedVersion. A stale version fails with analysis.ErrVersionConflict;
// the caller must drop the signal rather than retry with the same version.
// On success the stage event is appended and the next stage is enqueued.
func (c *Coordinator) AdvanceStage(
	ctx context.Context,
	jobID string,
	expectedVersion int64,
	outcome analysis.Outcome,
) (analysis.Job, error) {
	job, err := c.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return analysis.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Version != expectedVersion {
		return analysis.Job{}, analysis.ErrVersionConflict
	}
	next, fx, err := c.apply(job, outcome, c.deps.Clock.Now())
	if err != nil {
		return analysis.Job{}, err
	}
	if err := c.deps.Jobs.UpdateJob(ctx, next, expectedVersion); err != nil {
		if errors.Is(err, analysis.ErrVersionConflict) {
			return analysis.Job{}, analysis.ErrVersionConflict
		}
		return analysis.Job{}, fmt.Errorf("update job: %w", err)
	}
	c.commit(ctx, next, fx)
	return next, nil
}

// apply computes the job after outcome without touching any store.
func (c *Coordinator) apply(
	job analysis.Job,
	outcome analysis.Outcome,
	now time.Time,
) (analysis.Job, effects, error) {
	if job.Status.Terminal() {
		return analysis.Job{}, effects{}, analysis.ErrTerminal
	}
	next := job.Clone()
	next.Version = job.Version + 1
	next.UpdatedAt = now

	if outcome.Kind == analysis.OutcomeFailed {
		details := outcome.Error
		if details == nil {
			details = &analysis.ErrorDetails{Stage: outcome.Stage, Code: "stage_failed", Message: "stage failed"}
		}
		next.Status = analysis.StatusFailed
		next.ErrorDetails = details
		next.LeaseExpiresAt = nil
		next.CompletedAt = &now
		return next, effects{
			event: analysis.EventAnalysisFailed,
			data: map[string]any{
				"stage":   details.Stage,
				"code":    details.Code,
				"message": details.Message,
			},
		}, nil
	}

	t, ok := lookup(job.Status, outcome.Stage, outcome.Kind)
	if !ok {
		return analysis.Job{}, effects{}, fmt.Errorf("%w: %s %s while %s",
			analysis.ErrInvalidTransition, outcome.Stage, outcome.Kind, job.Status)
	}
	next.Status = t.to
	next.Progress = max(job.Progress, t.progress)

	switch outcome.Kind {
	case analysis.OutcomeStarted:
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			return analysis.Job{}, effects{}, analysis.ErrStageClaimed
		}
		lease := outcome.Lease
		if lease <= 0 {
			lease = c.cfg.StageLease
		}
		expires := now.Add(lease)
		next.LeaseExpiresAt = &expires
		next.CurrentStage = outcome.Stage
		return next, effects{}, nil
	case analysis.OutcomeSucceeded:
		if job.LeaseExpiresAt == nil {
			return analysis.Job{}, effects{}, fmt.Errorf("%w: %s succeeded without a claim",
				analysis.ErrInvalidTransition, outcome.Stage)
		}
		next.LeaseExpiresAt = nil
		if outcome.ContentURI != "" {
			next.ContentURI = outcome.ContentURI
			next.ContentHash = outcome.ContentHash
		}
		if len(outcome.Metadata) > 0 {
			if next.Metadata == nil {
				next.Metadata = map[string]json.RawMessage{}
			}
			maps.Copy(next.Metadata, outcome.Metadata)
		}
		if t.next != "" {
			next.CurrentStage = t.next
		}
		if t.to == analysis.StatusCompleted {
			next.CompletedAt = &now
		}
		data := map[string]any{}
		maps.Copy(data, outcome.EventData)
		data["status"] = next.Status
		data["progress"] = next.Progress
		return next, effects{event: t.event, data: data, next: t.next}, nil
	default:
		return analysis.Job{}, effects{}, fmt.Errorf("%w: unknown outcome %q", analysis.ErrInvalidTransition, outcome.Kind)
	}
}

// commit runs the side effects of a persisted transition. Failures are
// logged: the job state is already durable and the reaper re-enqueues
// stages whose task was lost.
func (c *Coordinator) commit(ctx context.Context, job analysis.Job, fx effects) {
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int64("version", job.Version),
	)
	if fx.event != "" {
		if _, err := c.deps.Events.Append(ctx, job.ID, job.OwnerID, fx.event, fx.data); err != nil {
			logger.Error("append stage event", zap.String("event_type", string(fx.event)), zap.Error(err))
		}
	}
	if fx.next != "" {
		if _, err := c.enqueue(ctx, job.ID, fx.next); err != nil {
			c.logEnqueue(logger, fx.next, err)
		}
	}
	switch job.Status {
	case analysis.StatusCompleted:
		snap, err := c.snapshot(ctx, job)
		if err != nil {
			logger.Warn("build cache snapshot", zap.Error(err))
		} else {
			c.deps.Cache.Put(ctx, job.ID, snap, c.cfg.CacheTTL)
		}
		metrics.ObserveJob(string(job.Status))
		logger.Info("job completed")
	case analysis.StatusFailed:
		metrics.ObserveJob(string(job.Status))
		logger.Warn("job failed",
			zap.String("stage", string(job.ErrorDetails.Stage)),
			zap.String("code", job.ErrorDetails.Code),
			zap.String("message", job.ErrorDetails.Message))
	default:
		logger.Debug("job advanced", zap.Float64("progress", job.Progress))
	}
}
