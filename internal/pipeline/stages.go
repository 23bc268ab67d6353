package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/analyzers"
	"github.com/JakeFAU/siteboost/internal/metrics"
)

// metadataResponse is the Job.Metadata key holding the fetch response summary.
const metadataResponse = "response"

// responseMeta is what later stages need to know about the fetch.
type responseMeta struct {
	StatusCode  int         `json:"statusCode"`
	FinalURL    string      `json:"finalUrl"`
	Headers     http.Header `json:"headers"`
	FetchMillis int64       `json:"fetchMillis"`
	Rendered    bool        `json:"rendered"`

	Robots *analysis.RobotsStatus `json:"robots,omitempty"`
	Render *analysis.RenderStats  `json:"render,omitempty"`
}

// dropped reports whether err means the task lost a race and should be discarded.
func dropped(err error) bool {
	return errors.Is(err, analysis.ErrVersionConflict) ||
		errors.Is(err, analysis.ErrStageClaimed) ||
		errors.Is(err, analysis.ErrInvalidTransition) ||
		errors.Is(err, analysis.ErrTerminal)
}

// Process executes one queued stage task. It returns an error only for
// infrastructure failures, in which case the task should be redelivered.
// Duplicate, stale and lost-race tasks return nil without side effects.
func (c *Coordinator) Process(ctx context.Context, task analysis.Task) error {
	switch task.Stage {
	case analysis.StageFetch, analysis.StageAnalyze, analysis.StageRecommend:
	default:
		c.logger.Warn("dropping task with unknown stage", zap.String("task_id", task.ID), zap.String("stage", string(task.Stage)))
		return nil
	}
	_, err := c.runStage(ctx, task.JobID, task.Stage)
	if err == nil || dropped(err) {
		if err != nil {
			c.logger.Debug("stage task dropped",
				zap.String("task_id", task.ID),
				zap.String("job_id", task.JobID),
				zap.String("stage", string(task.Stage)),
				zap.Int("attempt", task.Attempt),
				zap.Error(err))
		}
		return nil
	}
	if errors.Is(err, analysis.ErrNotFound) {
		c.logger.Warn("dropping task for unknown job", zap.String("job_id", task.JobID))
		return nil
	}
	return err
}

// RunParallelAnalysis claims the analyze stage, runs every selected
// dimension analyzer concurrently and advances the job once all of them
// have reported. A dimension that errors, panics or exceeds the dimension
// timeout is recorded as failed; the stage fails only if every dimension did.
func (c *Coordinator) RunParallelAnalysis(ctx context.Context, jobID string) (analysis.Job, error) {
	return c.runStage(ctx, jobID, analysis.StageAnalyze)
}

// runStage claims stage, executes it and records the outcome.
func (c *Coordinator) runStage(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Job, error) {
	job, err := c.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return analysis.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return job, analysis.ErrTerminal
	}
	if job.CurrentStage != stage {
		return job, fmt.Errorf("%w: job is at %s, task is for %s", analysis.ErrInvalidTransition, job.CurrentStage, stage)
	}
	claimed, err := c.AdvanceStage(ctx, job.ID, job.Version, analysis.Outcome{
		Stage: stage,
		Kind:  analysis.OutcomeStarted,
		Lease: c.cfg.StageLease,
	})
	if err != nil {
		return job, err
	}

	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageLease)
	defer cancel()
	start := time.Now()
	var outcome analysis.Outcome
	switch stage {
	case analysis.StageFetch:
		outcome, err = c.fetch(stageCtx, claimed)
	case analysis.StageAnalyze:
		outcome, err = c.analyze(stageCtx, claimed)
	case analysis.StageRecommend:
		outcome, err = c.recommend(stageCtx, claimed)
	}

	var stageErr *analysis.StageError
	switch {
	case errors.As(err, &stageErr):
		outcome = analysis.Outcome{Stage: stage, Kind: analysis.OutcomeFailed, Error: stageErr.Details()}
		metrics.ObserveStage(string(stage), "failed", time.Since(start))
	case err != nil:
		// Infrastructure failure: leave the claim to expire so a redelivered task can retry.
		metrics.ObserveStage(string(stage), "error", time.Since(start))
		return claimed, err
	default:
		metrics.ObserveStage(string(stage), "succeeded", time.Since(start))
	}
	return c.AdvanceStage(ctx, claimed.ID, claimed.Version, outcome)
}

func (c *Coordinator) fetch(ctx context.Context, job analysis.Job) (analysis.Outcome, error) {
	req := analysis.FetchRequest{JobID: job.ID, URL: job.URL, UseHeadless: job.SettingBool(SettingRender)}
	fetcher := c.deps.Fetcher
	if req.UseHeadless && c.deps.Headless != nil {
		fetcher = c.deps.Headless
	}
	resp, err := fetcher.Fetch(ctx, req)
	if errors.Is(err, analysis.ErrRobotsDisallowed) {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageFetch, "robots_disallowed", err)
	}
	if err != nil {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageFetch, "fetch_error", err)
	}
	if !resp.UsedHeadless && c.deps.Headless != nil && c.deps.Detector != nil && c.deps.Detector.ShouldPromote(resp) {
		c.logger.Info("promoting to headless fetch", zap.String("job_id", job.ID))
		req.UseHeadless = true
		rendered, err := c.deps.Headless.Fetch(ctx, req)
		if err != nil {
			c.logger.Warn("headless fetch failed, keeping plain response", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			resp = rendered
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageFetch, "http_status",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	hash, err := c.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("hash content: %w", err)
	}
	uri, err := c.deps.Blobs.PutObject(ctx, path.Join(c.cfg.BlobPrefix, job.ID, "content.html"), c.cfg.ContentType, resp.Body)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("store content: %w", err)
	}
	md, err := analyzers.ExtractMetadata(resp.Body)
	if err != nil {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageFetch, "parse_error", err)
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = job.URL
	}
	values := md.Map()
	values[metadataResponse] = responseMeta{
		StatusCode:  resp.StatusCode,
		FinalURL:    finalURL,
		Headers:     resp.Headers,
		FetchMillis: resp.Duration.Milliseconds(),
		Rendered:    resp.UsedHeadless,
		Robots:      resp.Robots,
		Render:      resp.Render,
	}
	meta, err := analysis.EncodeMetadata(values)
	if err != nil {
		return analysis.Outcome{}, err
	}
	return analysis.Outcome{
		Stage:       analysis.StageFetch,
		Kind:        analysis.OutcomeSucceeded,
		ContentURI:  uri,
		ContentHash: hash,
		Metadata:    meta,
		EventData: map[string]any{
			"metadata":    md,
			"statusCode":  resp.StatusCode,
			"contentHash": hash,
			"rendered":    resp.UsedHeadless,
		},
	}, nil
}

// page rebuilds the fetched page from the blob store and job metadata.
func (c *Coordinator) page(ctx context.Context, job analysis.Job) (*analysis.Page, error) {
	if job.ContentURI == "" {
		return nil, analysis.NewStageError(analysis.StageAnalyze, "missing_content", errors.New("job has no fetched content"))
	}
	body, err := c.deps.Blobs.GetObject(ctx, job.ContentURI)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	var meta responseMeta
	if raw, ok := job.Metadata[metadataResponse]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			c.logger.Warn("decode response metadata", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if meta.FinalURL == "" {
		meta.FinalURL = job.URL
	}
	return &analysis.Page{
		URL:        job.URL,
		FinalURL:   meta.FinalURL,
		StatusCode: meta.StatusCode,
		Headers:    meta.Headers,
		Body:       body,
		FetchTime:  time.Duration(meta.FetchMillis) * time.Millisecond,
		Rendered:   meta.Rendered,
		Render:     meta.Render,
	}, nil
}

func (c *Coordinator) analyze(ctx context.Context, job analysis.Job) (analysis.Outcome, error) {
	dims, err := dimensionsSetting(job.Settings[SettingDimensions])
	if err != nil {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageAnalyze, "invalid_settings", err)
	}
	selected, err := c.deps.Analyzers.Select(dims)
	if err != nil {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageAnalyze, "invalid_settings", err)
	}
	if len(selected) == 0 {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageAnalyze, "no_analyzers", errors.New("no analyzers registered"))
	}
	page, err := c.page(ctx, job)
	if err != nil {
		return analysis.Outcome{}, err
	}

	// Results written by an earlier, interrupted attempt are kept.
	existing, err := c.deps.Results.ListStageResults(ctx, job.ID)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("list stage results: %w", err)
	}
	done := make(map[analysis.Dimension]analysis.StageResult, len(existing))
	for _, r := range existing {
		done[r.Dimension] = r
	}

	results := make([]analysis.StageResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.MaxParallelDimensions > 0 {
		g.SetLimit(c.cfg.MaxParallelDimensions)
	}
	for i, a := range selected {
		if prior, ok := done[a.Dimension()]; ok {
			results[i] = prior
			continue
		}
		g.Go(func() error {
			res := c.runDimension(gctx, job.ID, a, page)
			if err := c.deps.Results.PutStageResult(gctx, res); err != nil {
				if !errors.Is(err, analysis.ErrResultExists) {
					return fmt.Errorf("store %s result: %w", res.Dimension, err)
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return analysis.Outcome{}, err
	}

	var succeeded, failed []analysis.Dimension
	for _, r := range results {
		if r.Status == analysis.ResultSucceeded {
			succeeded = append(succeeded, r.Dimension)
		} else {
			failed = append(failed, r.Dimension)
		}
	}
	sortDimensions(succeeded)
	sortDimensions(failed)
	if len(succeeded) == 0 {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageAnalyze, "all_dimensions_failed",
			fmt.Errorf("%d of %d dimensions failed", len(failed), len(results)))
	}
	if failed == nil {
		failed = []analysis.Dimension{}
	}
	return analysis.Outcome{
		Stage: analysis.StageAnalyze,
		Kind:  analysis.OutcomeSucceeded,
		EventData: map[string]any{
			"dimensions":       succeeded,
			"failedDimensions": failed,
		},
	}, nil
}

// runDimension executes one analyzer under the dimension timeout and
// converts every failure mode into a failed StageResult.
func (c *Coordinator) runDimension(
	ctx context.Context,
	jobID string,
	a analysis.Analyzer,
	page *analysis.Page,
) (res analysis.StageResult) {
	dim := a.Dimension()
	start := time.Now()
	res = analysis.StageResult{JobID: jobID, Dimension: dim}
	defer func() {
		if r := recover(); r != nil {
			res.Status = analysis.ResultFailed
			res.Error = fmt.Sprintf("analyzer panic: %v", r)
			res.Data = nil
		}
		res.Duration = time.Since(start)
		res.CreatedAt = c.deps.Clock.Now()
		metrics.ObserveDimension(string(dim), string(res.Status), res.Duration)
		if res.Status == analysis.ResultFailed {
			c.logger.Warn("dimension failed",
				zap.String("job_id", jobID),
				zap.String("dimension", string(dim)),
				zap.String("error", res.Error))
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DimensionTimeout)
	defer cancel()
	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("analyzer panic: %v", r)}
			}
		}()
		data, err := a.Analyze(dctx, page)
		ch <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-dctx.Done():
		out = outcome{err: fmt.Errorf("timed out after %s: %w", c.cfg.DimensionTimeout, dctx.Err())}
	}
	if out.err != nil {
		res.Status = analysis.ResultFailed
		res.Error = out.err.Error()
		return res
	}
	raw, err := json.Marshal(out.data)
	if err != nil {
		res.Status = analysis.ResultFailed
		res.Error = fmt.Sprintf("encode result: %v", err)
		return res
	}
	res.Status = analysis.ResultSucceeded
	res.Data = raw
	return res
}

func (c *Coordinator) recommend(ctx context.Context, job analysis.Job) (analysis.Outcome, error) {
	results, err := c.deps.Results.ListStageResults(ctx, job.ID)
	if err != nil {
		return analysis.Outcome{}, fmt.Errorf("list stage results: %w", err)
	}
	recs, err := c.deps.Recommender.Recommend(ctx, job, results)
	if err != nil {
		return analysis.Outcome{}, analysis.NewStageError(analysis.StageRecommend, "recommend_error", err)
	}
	if err := c.deps.Results.PutRecommendations(ctx, job.ID, recs); err != nil {
		if !errors.Is(err, analysis.ErrResultExists) {
			return analysis.Outcome{}, fmt.Errorf("store recommendations: %w", err)
		}
		if recs, err = c.deps.Results.ListRecommendations(ctx, job.ID); err != nil {
			return analysis.Outcome{}, fmt.Errorf("list recommendations: %w", err)
		}
	}
	bySeverity := map[analysis.Severity]int{}
	for _, r := range recs {
		bySeverity[r.Severity]++
	}
	return analysis.Outcome{
		Stage: analysis.StageRecommend,
		Kind:  analysis.OutcomeSucceeded,
		EventData: map[string]any{
			"recommendations": len(recs),
			"bySeverity":      bySeverity,
		},
	}, nil
}

func sortDimensions(dims []analysis.Dimension) {
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
}
