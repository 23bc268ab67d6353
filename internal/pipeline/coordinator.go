package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/analyzers"
	"github.com/JakeFAU/siteboost/internal/cache"
	"github.com/JakeFAU/siteboost/internal/eventlog"
	"github.com/JakeFAU/siteboost/internal/metrics"
	"github.com/JakeFAU/siteboost/internal/target"
)

// Setting keys understood by the pipeline.
const (
	SettingRender     = "render"
	SettingDimensions = "dimensions"
)

// Config controls Coordinator behavior.
type Config struct {
	// DimensionTimeout bounds one analyzer call.
	DimensionTimeout time.Duration
	// StageLease is how long a stage claim is honored before another task may take over.
	StageLease time.Duration
	// StallAfter is the idle time after which the reaper re-enqueues a job.
	StallAfter time.Duration
	ReapBatch  int
	// MaxParallelDimensions limits concurrent analyzers per job; zero means unlimited.
	MaxParallelDimensions int
	CacheTTL              time.Duration
	BlobPrefix            string
	ContentType           string
	// BlockedDomains lists hosts ("example.com" or "*.internal") that may not be analyzed.
	BlockedDomains []string
}

// Dependencies are the collaborators a Coordinator needs. Admission, Cache,
// Headless and Detector are optional.
type Dependencies struct {
	Jobs        analysis.JobStore
	Results     analysis.ResultStore
	Queue       analysis.Queue
	Events      *eventlog.Log
	Cache       *cache.Cache
	Admission   analysis.Admission
	Analyzers   *analyzers.Registry
	Recommender analysis.Recommender
	Fetcher     analysis.Fetcher
	Headless    analysis.Fetcher
	Detector    analysis.HeadlessDetector
	Blobs       analysis.BlobStore
	Hasher      analysis.Hasher
	IDs         analysis.IDGenerator
	Clock       analysis.Clock
}

// Coordinator is the single owner of job state transitions.
type Coordinator struct {
	deps    Dependencies
	cfg     Config
	blocked *target.Blocklist
	logger  *zap.Logger

	reapMu     sync.Mutex
	lastReaped map[string]time.Time
}

// CreateRequest describes a new analysis job.
type CreateRequest struct {
	URL           string
	Settings      map[string]any
	OwnerID       string
	CorrelationID string
}

// New constructs a Coordinator.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"Jobs":        deps.Jobs != nil,
		"Results":     deps.Results != nil,
		"Queue":       deps.Queue != nil,
		"Events":      deps.Events != nil,
		"Analyzers":   deps.Analyzers != nil,
		"Recommender": deps.Recommender != nil,
		"Fetcher":     deps.Fetcher != nil,
		"Blobs":       deps.Blobs != nil,
		"Hasher":      deps.Hasher != nil,
		"IDs":         deps.IDs != nil,
		"Clock":       deps.Clock != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing dependencies %s", strings.Join(missing, ", "))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DimensionTimeout <= 0 {
		cfg.DimensionTimeout = 30 * time.Second
	}
	if cfg.StageLease <= 0 {
		cfg.StageLease = 2 * time.Minute
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 5 * time.Minute
	}
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = 100
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "content"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Coordinator{
		deps:       deps,
		cfg:        cfg,
		blocked:    target.NewBlocklist(cfg.BlockedDomains),
		logger:     logger.Named("pipeline"),
		lastReaped: make(map[string]time.Time),
	}, nil
}

// Submit applies admission control for the owner and then creates the job.
// A rejected request fails with analysis.ErrRateLimited and creates nothing.
func (c *Coordinator) Submit(ctx context.Context, req CreateRequest) (analysis.Job, analysis.Task, error) {
	if c.deps.Admission != nil {
		allowed, err := c.deps.Admission.Allow(ctx, req.OwnerID)
		if err != nil {
			return analysis.Job{}, analysis.Task{}, fmt.Errorf("admission: %w", err)
		}
		if !allowed {
			return analysis.Job{}, analysis.Task{}, analysis.ErrRateLimited
		}
	}
	return c.CreateJob(ctx, req)
}

// CreateJob persists a PENDING job and schedules its fetch stage.
//
// When the owner already used the correlation token, the existing job is
// returned together with analysis.ErrDuplicateCorrelation and nothing is
// scheduled.
func (c *Coordinator) CreateJob(ctx context.Context, req CreateRequest) (analysis.Job, analysis.Task, error) {
	if err := c.validate(req); err != nil {
		return analysis.Job{}, analysis.Task{}, err
	}
	if u, err := target.Normalize(req.URL); err == nil {
		req.URL = u.String()
	}
	if req.CorrelationID != "" {
		existing, err := c.deps.Jobs.GetJobByCorrelation(ctx, req.OwnerID, req.CorrelationID)
		switch {
		case err == nil:
			return existing, analysis.Task{}, analysis.ErrDuplicateCorrelation
		case !errors.Is(err, analysis.ErrNotFound):
			return analysis.Job{}, analysis.Task{}, fmt.Errorf("lookup correlation: %w", err)
		}
	}

	jobID, err := c.deps.IDs.NewID()
	if err != nil {
		return analysis.Job{}, analysis.Task{}, fmt.Errorf("generate job id: %w", err)
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = jobID
	}
	settings, err := canonicalSettings(req.Settings)
	if err != nil {
		return analysis.Job{}, analysis.Task{}, err
	}
	now := c.deps.Clock.Now()
	job := analysis.Job{
		ID:            jobID,
		CorrelationID: correlation,
		OwnerID:       req.OwnerID,
		URL:           req.URL,
		Settings:      settings,
		Status:        analysis.StatusPending,
		CurrentStage:  analysis.StageFetch,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.deps.Jobs.CreateJob(ctx, job); err != nil {
		if errors.Is(err, analysis.ErrDuplicateCorrelation) {
			existing, lookupErr := c.deps.Jobs.GetJobByCorrelation(ctx, req.OwnerID, correlation)
			if lookupErr != nil {
				return analysis.Job{}, analysis.Task{}, fmt.Errorf("lookup correlation: %w", lookupErr)
			}
			return existing, analysis.Task{}, analysis.ErrDuplicateCorrelation
		}
		return analysis.Job{}, analysis.Task{}, fmt.Errorf("create job: %w", err)
	}

	logger := c.logger.With(zap.String("job_id", job.ID), zap.String("caller_id", job.OwnerID))
	if _, err := c.deps.Events.Append(ctx, job.ID, job.OwnerID, analysis.EventJobCreated, map[string]any{
		"url":    job.URL,
		"status": job.Status,
	}); err != nil {
		logger.Error("append job_created event", zap.Error(err))
	}
	task, err := c.enqueue(ctx, job.ID, analysis.StageFetch)
	if err != nil {
		// The reaper re-enqueues PENDING jobs, so the job is still accepted.
		c.logEnqueue(logger, analysis.StageFetch, err)
	}
	metrics.ObserveJob(string(analysis.StatusPending))
	logger.Info("job created", zap.String("url", job.URL))
	return job.Clone(), task, nil
}

func (c *Coordinator) logEnqueue(logger *zap.Logger, stage analysis.Stage, err error) {
	if errors.Is(err, analysis.ErrQueueFull) {
		logger.Warn("queue full, leaving stage to the reaper", zap.String("stage", string(stage)))
		return
	}
	logger.Error("enqueue stage", zap.String("stage", string(stage)), zap.Error(err))
}

func (c *Coordinator) validate(req CreateRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", analysis.ErrInvalidInput)
	}
	u, err := target.Normalize(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", analysis.ErrInvalidInput)
	}
	if c.blocked.IsBlocked(u.Host) {
		return fmt.Errorf("%w: host %s is not allowed", analysis.ErrInvalidInput, u.Hostname())
	}
	if raw, ok := req.Settings[SettingRender]; ok {
		if _, isBool := raw.(bool); !isBool {
			return fmt.Errorf("%w: settings.%s must be a boolean", analysis.ErrInvalidInput, SettingRender)
		}
	}
	if raw, ok := req.Settings[SettingDimensions]; ok {
		dims, err := dimensionsSetting(raw)
		if err != nil {
			return err
		}
		if _, err := c.deps.Analyzers.Select(dims); err != nil {
			return err
		}
	}
	return nil
}

// canonicalSettings stores settings in their decoded JSON form, so a job
// reads back the same from memory, Postgres and the result cache.
func canonicalSettings(in map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(in) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: settings must be JSON encodable", analysis.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func dimensionsSetting(raw any) ([]analysis.Dimension, error) {
	var out []analysis.Dimension
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		for _, s := range v {
			out = append(out, analysis.Dimension(s))
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: settings.%s must be a list of strings", analysis.ErrInvalidInput, SettingDimensions)
			}
			out = append(out, analysis.Dimension(s))
		}
	default:
		return nil, fmt.Errorf("%w: settings.%s must be a list of strings", analysis.ErrInvalidInput, SettingDimensions)
	}
	return out, nil
}

// GetJob returns the job snapshot if callerID owns it. Completed snapshots
// are served from the result cache when possible and cached on a miss.
func (c *Coordinator) GetJob(ctx context.Context, jobID, callerID string) (analysis.Snapshot, error) {
	if snap, ok := c.deps.Cache.Get(ctx, jobID); ok {
		if snap.Job.OwnerID != callerID {
			return analysis.Snapshot{}, analysis.ErrForbidden
		}
		return snap, nil
	}
	job, err := c.authorize(ctx, jobID, callerID)
	if err != nil {
		return analysis.Snapshot{}, err
	}
	snap, err := c.snapshot(ctx, job)
	if err != nil {
		return analysis.Snapshot{}, err
	}
	if job.Status == analysis.StatusCompleted {
		c.deps.Cache.Put(ctx, job.ID, snap, c.cfg.CacheTTL)
	}
	return snap, nil
}

// ListEvents returns the job's audit trail if callerID owns it.
func (c *Coordinator) ListEvents(ctx context.Context, jobID, callerID string) ([]analysis.Event, error) {
	if _, err := c.authorize(ctx, jobID, callerID); err != nil {
		return nil, err
	}
	events, err := c.deps.Events.List(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Coordinator) authorize(ctx context.Context, jobID, callerID string) (analysis.Job, error) {
	job, err := c.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			return analysis.Job{}, analysis.ErrNotFound
		}
		return analysis.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.OwnerID != callerID {
		c.logger.Info("job access denied", zap.String("job_id", jobID), zap.String("caller_id", callerID))
		return analysis.Job{}, analysis.ErrForbidden
	}
	return job, nil
}

func (c *Coordinator) snapshot(ctx context.Context, job analysis.Job) (analysis.Snapshot, error) {
	results, err := c.deps.Results.ListStageResults(ctx, job.ID)
	if err != nil {
		return analysis.Snapshot{}, fmt.Errorf("list stage results: %w", err)
	}
	recs, err := c.deps.Results.ListRecommendations(ctx, job.ID)
	if err != nil {
		return analysis.Snapshot{}, fmt.Errorf("list recommendations: %w", err)
	}
	if results == nil {
		results = []analysis.StageResult{}
	}
	if recs == nil {
		recs = []analysis.Recommendation{}
	}
	return analysis.Snapshot{Job: job, Results: results, Recommendations: recs}, nil
}

func (c *Coordinator) enqueue(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Task, error) {
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return analysis.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task := analysis.Task{ID: id, JobID: jobID, Stage: stage, EnqueuedAt: c.deps.Clock.Now()}
	if err := c.deps.Queue.Enqueue(ctx, task); err != nil {
		return task, fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return task, nil
}
