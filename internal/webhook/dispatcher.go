package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/metrics"
	"github.com/JakeFAU/siteboost/internal/policy/ratelimit"
)

// Header names set on every delivery request.
const (
	HeaderSignature = "X-Signature-256"
	HeaderEvent     = "X-Siteboost-Event"
	HeaderDelivery  = "X-Siteboost-Delivery"
)

const responseBodyLimit = 1 << 10

// Config controls Dispatcher behavior.
type Config struct {
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration
	// AttemptLease hides a delivery from the sweep while an attempt is in flight.
	AttemptLease time.Duration
	// MaxConcurrency bounds in-flight HTTP attempts across all endpoints.
	MaxConcurrency int
	// SweepBatch limits the deliveries and events one RetryDue call picks up.
	SweepBatch int
	// NotifyGrace is how old an event without a fan-out marker must be before
	// the sweep fans it out again.
	NotifyGrace time.Duration
	UserAgent   string
}

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	Event      analysis.EventType `json:"event"`
	AnalysisID string             `json:"analysisId"`
	EventID    string             `json:"eventId"`
	CreatedAt  time.Time          `json:"createdAt"`
	Data       json.RawMessage    `json:"data"`
}

// Dispatcher fans events out to subscribed webhook configs.
type Dispatcher struct {
	store  analysis.WebhookStore
	events analysis.EventStore
	client *http.Client
	hosts  *ratelimit.HostLimiter
	ids    analysis.IDGenerator
	clock  analysis.Clock
	cfg    Config
	logger *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Dispatcher. client and hosts may be nil.
func New(
	store analysis.WebhookStore,
	events analysis.EventStore,
	client *http.Client,
	hosts *ratelimit.HostLimiter,
	ids analysis.IDGenerator,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AttemptLease < cfg.Timeout {
		cfg.AttemptLease = cfg.Timeout + 5*time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.NotifyGrace <= 0 {
		cfg.NotifyGrace = cfg.AttemptLease
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "siteboost-webhooks/1.0"
	}
	if client == nil {
		client = &http.Client{}
	}
	if hosts == nil {
		hosts = ratelimit.NewHostLimiter(ratelimit.HostConfig{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		events: events,
		client: client,
		hosts:  hosts,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("webhook"),
		sem:    make(chan struct{}, cfg.MaxConcurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// starter runs the first attempt for a newly created delivery row.
type starter func(cfg analysis.WebhookConfig, evt analysis.Event, delivery analysis.WebhookDelivery)

// NotifyEvent creates one delivery per active subscribed config in the
// event's scope and starts the first attempt for each newly created row.
// Attempts run in the background; NotifyEvent does not wait for them.
// The event is marked notified only when every row exists, so a failed
// fan-out is repeated by RetryDue.
func (d *Dispatcher) NotifyEvent(ctx context.Context, evt analysis.Event) error {
	return d.fanOut(ctx, evt, d.spawn)
}

func (d *Dispatcher) fanOut(ctx context.Context, evt analysis.Event, start starter) error {
	configs, err := d.store.ListWebhookConfigs(ctx, evt.Scope)
	if err != nil {
		return fmt.Errorf("list webhook configs: %w", err)
	}
	var errs []error
	for _, cfg := range configs {
		if !cfg.Active || !cfg.Subscribes(evt.Type) {
			continue
		}
		delivery, created, err := d.createDelivery(ctx, cfg, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !created {
			d.logger.Debug("delivery already exists",
				zap.String("config_id", cfg.ID),
				zap.String("event_id", evt.ID),
				zap.String("delivery_id", delivery.ID))
			continue
		}
		start(cfg, evt, delivery)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := d.events.MarkEventNotified(ctx, evt.ID, d.clock.Now()); err != nil {
		return fmt.Errorf("mark event %s notified: %w", evt.ID, err)
	}
	return nil
}

func (d *Dispatcher) createDelivery(
	ctx context.Context,
	cfg analysis.WebhookConfig,
	evt analysis.Event,
) (analysis.WebhookDelivery, bool, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return analysis.WebhookDelivery{}, false, fmt.Errorf("generate delivery id: %w", err)
	}
	now := d.clock.Now()
	claim := now.Add(d.cfg.AttemptLease)
	delivery, created, err := d.store.CreateDelivery(ctx, analysis.WebhookDelivery{
		ID:          id,
		ConfigID:    cfg.ID,
		EventID:     evt.ID,
		Status:      analysis.DeliveryPending,
		NextRetryAt: &claim,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return analysis.WebhookDelivery{}, false, fmt.Errorf("create delivery for config %s: %w", cfg.ID, err)
	}
	return delivery, created, nil
}

// RetryDue repeats fan-out for events left without a marker, then retries
// pending deliveries whose retry time has passed. It blocks until the
// attempts it started finish and returns how many requests were sent.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	var (
		wg        sync.WaitGroup
		attempted atomic.Int64
		errs      []error
	)
	run := func(fn func() bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fn() {
				attempted.Add(1)
			}
		}()
	}

	now := d.clock.Now()
	err := d.renotify(ctx, now, func(cfg analysis.WebhookConfig, evt analysis.Event, delivery analysis.WebhookDelivery) {
		run(func() bool { return d.first(ctx, cfg, evt, delivery) })
	})
	if err != nil {
		errs = append(errs, err)
	}

	due, err := d.store.ListDueDeliveries(ctx, now, d.cfg.SweepBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list due deliveries: %w", err))
	}
	for _, row := range due {
		run(func() bool { return d.retry(ctx, row) })
	}
	wg.Wait()

	if pruned := d.hosts.Prune(time.Now()); pruned > 0 {
		d.logger.Debug("pruned idle host buckets", zap.Int("count", pruned))
	}
	return int(attempted.Load()), errors.Join(errs...)
}

func (d *Dispatcher) renotify(ctx context.Context, now time.Time, start starter) error {
	stale, err := d.events.ListUnnotifiedEvents(ctx, now.Add(-d.cfg.NotifyGrace), d.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("list unnotified events: %w", err)
	}
	var errs []error
	for _, evt := range stale {
		d.logger.Info("repeating event fan-out",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Time("created_at", evt.CreatedAt))
		if err := d.fanOut(ctx, evt, start); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolve loads the config and event for a delivery. Deliveries whose config
// was deactivated or removed, or whose event is gone, are marked failed.
func (d *Dispatcher) resolve(
	ctx context.Context,
	delivery analysis.WebhookDelivery,
) (analysis.WebhookConfig, analysis.Event, bool) {
	cfg, err := d.store.GetWebhookConfig(ctx, delivery.ConfigID)
	switch {
	case errors.Is(err, analysis.ErrNotFound):
		d.fail(ctx, delivery, "webhook config no longer exists")
		return analysis.WebhookConfig{}, analysis.Event{}, false
	case err != nil:
		d.logger.Warn("load webhook config failed", zap.String("config_id", delivery.ConfigID), zap.Error(err))
		return analysis.WebhookConfig{}, analysis.Event{}, false
	case !cfg.Active:
		d.fail(ctx, delivery, "webhook config is inactive")
		return analysis.WebhookConfig{}, analysis.Event{}, false
	}
	evt, err := d.events.GetEvent(ctx, delivery.EventID)
	switch {
	case errors.Is(err, analysis.ErrNotFound):
		d.fail(ctx, delivery, "event no longer exists")
		return analysis.WebhookConfig{}, analysis.Event{}, false
	case err != nil:
		d.logger.Warn("load event failed", zap.String("event_id", delivery.EventID), zap.Error(err))
		return analysis.WebhookConfig{}, analysis.Event{}, false
	}
	return cfg, evt, true
}

func (d *Dispatcher) fail(ctx context.Context, delivery analysis.WebhookDelivery, reason string) {
	updated := delivery
	updated.Status = analysis.DeliveryFailed
	updated.NextRetryAt = nil
	updated.LastResponse = &analysis.ResponseSummary{Error: reason}
	updated.UpdatedAt = d.clock.Now()
	if err := d.store.UpdateDelivery(ctx, updated, delivery.AttemptCount); err != nil {
		d.logger.Warn("mark delivery failed", zap.String("delivery_id", delivery.ID), zap.Error(err))
		return
	}
	metrics.ObserveWebhookAttempt(string(analysis.DeliveryFailed), 0)
	d.logger.Info("delivery abandoned", zap.String("delivery_id", delivery.ID), zap.String("reason", reason))
}

func (d *Dispatcher) spawn(cfg analysis.WebhookConfig, evt analysis.Event, delivery analysis.WebhookDelivery) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.first(d.ctx, cfg, evt, delivery)
	}()
}

// acquire takes a concurrency slot. The returned release must be called
// when ok is true.
func (d *Dispatcher) acquire(ctx context.Context) (release func(), ok bool) {
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// pace waits on the subscriber's rate limit.
func (d *Dispatcher) pace(ctx context.Context, cfg analysis.WebhookConfig) (time.Duration, bool) {
	waited, err := d.hosts.Wait(ctx, cfg.ID, cfg.URL, ratelimit.Pacing{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
	if err != nil {
		d.logger.Debug("rate limit wait aborted", zap.String("config_id", cfg.ID), zap.Error(err))
		return waited, false
	}
	return waited, true
}

// leaseCovers reports whether the delivery's claim outlasts one full attempt.
func (d *Dispatcher) leaseCovers(delivery analysis.WebhookDelivery) bool {
	return delivery.NextRetryAt != nil && !d.clock.Now().Add(d.cfg.Timeout).After(*delivery.NextRetryAt)
}

// first runs the initial attempt for a row created with a claim. Waiting
// for a slot or the rate limit can outlast the claim; the row is then left
// to the sweep, which claims it afresh.
func (d *Dispatcher) first(
	ctx context.Context,
	cfg analysis.WebhookConfig,
	evt analysis.Event,
	delivery analysis.WebhookDelivery,
) bool {
	release, ok := d.acquire(ctx)
	if !ok {
		return false
	}
	defer release()
	throttled, ok := d.pace(ctx, cfg)
	if !ok {
		return false
	}
	if !d.leaseCovers(delivery) {
		d.logger.Info("claim lapsed while queued, leaving delivery to the sweep",
			zap.String("delivery_id", delivery.ID))
		return false
	}
	d.attempt(ctx, cfg, evt, delivery, throttled)
	return true
}

// retry runs a sweep attempt. The claim is taken only after the slot and
// the rate limit, so the lease covers just the HTTP request.
func (d *Dispatcher) retry(ctx context.Context, row analysis.WebhookDelivery) bool {
	release, ok := d.acquire(ctx)
	if !ok {
		return false
	}
	defer release()
	cfg, evt, ok := d.resolve(ctx, row)
	if !ok {
		return false
	}
	throttled, ok := d.pace(ctx, cfg)
	if !ok {
		return false
	}
	now := d.clock.Now()
	claimed, err := d.store.ClaimDelivery(ctx, row.ID, now, now.Add(d.cfg.AttemptLease))
	if err != nil {
		if !errors.Is(err, analysis.ErrVersionConflict) {
			d.logger.Warn("claim delivery failed", zap.String("delivery_id", row.ID), zap.Error(err))
		}
		return false
	}
	d.attempt(ctx, cfg, evt, claimed, throttled)
	return true
}

// attempt sends one HTTP request and records its outcome on the delivery.
// The caller holds a concurrency slot and a claim on the row.
func (d *Dispatcher) attempt(
	ctx context.Context,
	cfg analysis.WebhookConfig,
	evt analysis.Event,
	delivery analysis.WebhookDelivery,
	throttled time.Duration,
) {
	logger := d.logger.With(
		zap.String("delivery_id", delivery.ID),
		zap.String("config_id", cfg.ID),
		zap.String("event_id", evt.ID),
		zap.Int("attempt", delivery.AttemptCount+1),
	)

	body, err := json.Marshal(Payload{
		Event:      evt.Type,
		AnalysisID: evt.JobID,
		EventID:    evt.ID,
		CreatedAt:  evt.CreatedAt,
		Data:       evt.Data,
	})
	if err != nil {
		d.fail(ctx, delivery, fmt.Sprintf("build payload: %v", err))
		return
	}

	summary := d.send(ctx, cfg, delivery, evt.Type, body)
	if summary == nil {
		// Shutdown interrupted the attempt; the lease expires and the sweep retries.
		return
	}
	summary.Throttled = throttled
	updated := d.record(cfg, delivery, summary)
	if err := d.store.UpdateDelivery(ctx, updated, delivery.AttemptCount); err != nil {
		if errors.Is(err, analysis.ErrVersionConflict) {
			logger.Debug("delivery updated concurrently")
			return
		}
		logger.Error("record delivery attempt", zap.Error(err))
		return
	}
	metrics.ObserveWebhookAttempt(string(updated.Status), summary.Duration)
	logger.Info("webhook attempt",
		zap.String("status", string(updated.Status)),
		zap.Int("status_code", summary.StatusCode),
		zap.String("error", summary.Error),
		zap.Duration("took", summary.Duration),
		zap.Duration("throttled", throttled))
}

// record derives the next delivery state from an attempt summary.
func (d *Dispatcher) record(
	cfg analysis.WebhookConfig,
	delivery analysis.WebhookDelivery,
	summary *analysis.ResponseSummary,
) analysis.WebhookDelivery {
	updated := delivery
	updated.AttemptCount = delivery.AttemptCount + 1
	updated.LastResponse = summary
	updated.UpdatedAt = d.clock.Now()
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	switch {
	case summary.Error == "" && summary.StatusCode >= 200 && summary.StatusCode < 300:
		updated.Status = analysis.DeliverySuccess
		updated.NextRetryAt = nil
	case updated.AttemptCount >= maxRetries:
		updated.Status = analysis.DeliveryExhausted
		updated.NextRetryAt = nil
	default:
		updated.Status = analysis.DeliveryPending
		next := updated.UpdatedAt.Add(Delay(cfg.Backoff, updated.AttemptCount))
		updated.NextRetryAt = &next
	}
	return updated
}

// send performs the signed POST. It returns nil when the dispatcher is
// shutting down before a response was obtained.
func (d *Dispatcher) send(
	ctx context.Context,
	cfg analysis.WebhookConfig,
	delivery analysis.WebhookDelivery,
	eventType analysis.EventType,
	body []byte,
) *analysis.ResponseSummary {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &analysis.ResponseSummary{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderSignature, Sign(cfg.Secret, body))
	req.Header.Set(HeaderEvent, string(eventType))
	req.Header.Set(HeaderDelivery, delivery.ID)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &analysis.ResponseSummary{Error: err.Error(), Duration: time.Since(start)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return &analysis.ResponseSummary{
		StatusCode: resp.StatusCode,
		Body:       string(excerpt),
		Duration:   time.Since(start),
	}
}

// Wait blocks until background first attempts finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight background attempts and waits for them, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close webhook dispatcher: %w", ctx.Err())
	}
}
