package analysis

import (
	"context"
	"time"
)

// JobStore persists jobs with optimistic concurrency.
type JobStore interface {
	// CreateJob fails with ErrDuplicateCorrelation when the owner already used the token.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobByCorrelation(ctx context.Context, ownerID, correlationID string) (Job, error)
	// UpdateJob replaces the job when the stored version equals expectedVersion
	// and fails with ErrVersionConflict otherwise. The caller sets job.Version.
	UpdateJob(ctx context.Context, job Job, expectedVersion int64) error
	// ListStalledJobs returns non-terminal jobs not updated since before.
	ListStalledJobs(ctx context.Context, before time.Time, limit int) ([]Job, error)
}

// ResultStore persists write-once stage results and recommendations.
type ResultStore interface {
	// PutStageResult fails with ErrResultExists when the dimension was already recorded.
	PutStageResult(ctx context.Context, result StageResult) error
	ListStageResults(ctx context.Context, jobID string) ([]StageResult, error)
	PutRecommendations(ctx context.Context, jobID string, recs []Recommendation) error
	ListRecommendations(ctx context.Context, jobID string) ([]Recommendation, error)
}

// EventStore is the append-only event table.
type EventStore interface {
	AppendEvent(ctx context.Context, evt Event) error
	GetEvent(ctx context.Context, eventID string) (Event, error)
	ListEvents(ctx context.Context, jobID string) ([]Event, error)
	// MarkEventNotified records that webhook fan-out for the event finished.
	// Markers live beside the event table, which stays append-only.
	MarkEventNotified(ctx context.Context, eventID string, at time.Time) error
	// ListUnnotifiedEvents returns unmarked events created at or before
	// before, oldest first.
	ListUnnotifiedEvents(ctx context.Context, before time.Time, limit int) ([]Event, error)
}

// WebhookStore persists subscriber configs and their delivery rows.
type WebhookStore interface {
	CreateWebhookConfig(ctx context.Context, cfg WebhookConfig) error
	GetWebhookConfig(ctx context.Context, configID string) (WebhookConfig, error)
	ListWebhookConfigs(ctx context.Context, scope string) ([]WebhookConfig, error)
	SetWebhookActive(ctx context.Context, configID string, active bool) error
	// CreateDelivery inserts the row unless one exists for (ConfigID, EventID).
	// It returns the stored row and whether this call created it.
	CreateDelivery(ctx context.Context, d WebhookDelivery) (WebhookDelivery, bool, error)
	GetDelivery(ctx context.Context, deliveryID string) (WebhookDelivery, error)
	// UpdateDelivery writes d when the stored row is pending with expectedAttempts
	// attempts, and fails with ErrVersionConflict otherwise.
	UpdateDelivery(ctx context.Context, d WebhookDelivery, expectedAttempts int) error
	// ClaimDelivery pushes next_retry_at to until when the row is pending and due at now.
	ClaimDelivery(ctx context.Context, deliveryID string, now, until time.Time) (WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error)
	ListDeliveriesByEvent(ctx context.Context, eventID string) ([]WebhookDelivery, error)
}

// Store groups every persistence capability.
type Store interface {
	JobStore
	ResultStore
	EventStore
	WebhookStore
}

// Queue carries stage tasks between workers with at-least-once delivery.
// Enqueue never waits for capacity; a bounded queue returns ErrQueueFull
// and the reaper picks the stage up later.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Publisher pushes events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads expose message attributes that subscribers can filter on
// without decoding the body.
type Attributed interface {
	Attributes() map[string]string
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(plain FetchResponse) bool
}

// Analyzer is a pure check from fetched content to a structured result.
type Analyzer interface {
	Dimension() Dimension
	Analyze(ctx context.Context, page *Page) (any, error)
}

// Recommender turns stage results into recommendations.
type Recommender interface {
	Recommend(ctx context.Context, job Job, results []StageResult) ([]Recommendation, error)
}

// Admission gates job creation per caller.
type Admission interface {
	Allow(ctx context.Context, callerID string) (bool, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
