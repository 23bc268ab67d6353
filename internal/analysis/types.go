package analysis

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"
)

// Status represents the lifecycle state of an analysis job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending      Status = "PENDING"
	StatusParsing      Status = "PARSING"
	StatusAnalyzing    Status = "ANALYZING"
	StatusRecommending Status = "RECOMMENDING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further stage transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage names one phase of the pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageFetch     Stage = "fetch"
	StageAnalyze   Stage = "analyze"
	StageRecommend Stage = "recommend"
)

// OutcomeKind classifies a stage signal passed to AdvanceStage.
type OutcomeKind string

// Stage outcome kinds.
const (
	OutcomeStarted   OutcomeKind = "started"
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is a stage signal applied to a job by the coordinator.
type Outcome struct {
	Stage Stage
	Kind  OutcomeKind
	// EventData is attached to the stage event on success.
	EventData map[string]any
	// Error is recorded on the job when Kind is OutcomeFailed.
	Error *ErrorDetails
	// Lease bounds how long a started claim is honored.
	Lease time.Duration
	// ContentURI and ContentHash record the write-once fetched content.
	ContentURI  string
	ContentHash string
	// Metadata is merged into the job metadata on success.
	Metadata map[string]json.RawMessage
}

// EncodeMetadata marshals each value so job metadata keeps its exact JSON
// form through the store and the cache.
func EncodeMetadata(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode metadata %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// ErrorDetails is the failure payload stored on a FAILED job.
type ErrorDetails struct {
	Stage   Stage  `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job represents one website-analysis request and its lifecycle state.
type Job struct {
	ID             string                     `json:"id"`
	CorrelationID  string                     `json:"correlationId"`
	OwnerID        string                     `json:"ownerId"`
	URL            string                     `json:"url"`
	Settings       map[string]any             `json:"settings"`
	Status         Status                     `json:"status"`
	CurrentStage   Stage                      `json:"currentStage,omitempty"`
	Progress       float64                    `json:"progress"`
	ErrorDetails   *ErrorDetails              `json:"errorDetails,omitempty"`
	Version        int64                      `json:"version"`
	ContentURI     string                     `json:"contentUri,omitempty"`
	ContentHash    string                     `json:"contentHash,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	LeaseExpiresAt *time.Time                 `json:"-"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
	CompletedAt    *time.Time                 `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	out.Settings = maps.Clone(j.Settings)
	out.Metadata = maps.Clone(j.Metadata)
	if j.ErrorDetails != nil {
		details := *j.ErrorDetails
		out.ErrorDetails = &details
	}
	if j.LeaseExpiresAt != nil {
		lease := *j.LeaseExpiresAt
		out.LeaseExpiresAt = &lease
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// SettingBool reads a boolean job setting, returning false when absent.
func (j Job) SettingBool(key string) bool {
	v, ok := j.Settings[key].(bool)
	return ok && v
}

// Dimension names one independent analysis check.
type Dimension string

// Built-in dimensions.
const (
	DimensionSEO           Dimension = "seo"
	DimensionPerformance   Dimension = "performance"
	DimensionSecurity      Dimension = "security"
	DimensionAccessibility Dimension = "accessibility"
)

// ResultStatus reports how a dimension finished.
type ResultStatus string

// Dimension result states.
const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// StageResult is the immutable output of one dimension analyzer for a job.
type StageResult struct {
	JobID     string          `json:"jobId"`
	Dimension Dimension       `json:"dimension"`
	Status    ResultStatus    `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"durationNs"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Severity ranks recommendations.
type Severity string

// Recommendation severities.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Recommendation is one actionable finding generated from stage results.
type Recommendation struct {
	JobID                    string    `json:"jobId"`
	Category                 Dimension `json:"category"`
	Message                  string    `json:"message"`
	Severity                 Severity  `json:"severity"`
	ActionItems              []string  `json:"actionItems"`
	ImpactScore              float64   `json:"impactScore"`
	Priority                 int       `json:"priority"`
	ImplementationDifficulty string    `json:"implementationDifficulty"`
}

// Snapshot is the read model of a job with its results.
type Snapshot struct {
	Job             Job              `json:"job"`
	Results         []StageResult    `json:"results"`
	Recommendations []Recommendation `json:"recommendations"`
}

// EventType tags an Event.
type EventType string

// Event types appended by the pipeline.
const (
	EventJobCreated              EventType = "job_created"
	EventParsingComplete         EventType = "parsing_complete"
	EventAnalysisComplete        EventType = "analysis_complete"
	EventRecommendationsComplete EventType = "recommendations_complete"
	EventAnalysisFailed          EventType = "analysis_failed"
)

// Event is an immutable record of something that happened to a job.
type Event struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Scope     string          `json:"-"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// BackoffPolicy computes the delay before a webhook retry.
type BackoffPolicy struct {
	Base       time.Duration `json:"base"`
	Multiplier float64       `json:"multiplier"`
	Max        time.Duration `json:"max"`
}

// WebhookConfig is a subscriber endpoint registered for a scope.
type WebhookConfig struct {
	ID         string        `json:"id"`
	Scope      string        `json:"scope"`
	URL        string        `json:"url"`
	Secret     string        `json:"-"`
	EventTypes []EventType   `json:"eventTypes"`
	Active     bool          `json:"active"`
	MaxRetries int           `json:"maxRetries"`
	Backoff    BackoffPolicy `json:"backoff"`
	// RateLimit paces this subscriber on its own bucket; the zero value
	// shares the dispatcher-wide per-host bucket.
	RateLimit RatePolicy `json:"rateLimit"`
	CreatedAt time.Time  `json:"createdAt"`
}

// RatePolicy is a token bucket: RPS tokens per second, up to Burst at once.
type RatePolicy struct {
	RPS   float64 `json:"rps,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

// IsZero reports whether the policy defers to the dispatcher defaults.
func (p RatePolicy) IsZero() bool {
	return p.RPS <= 0
}

// Subscribes reports whether the config listens for the event type.
func (c WebhookConfig) Subscribes(t EventType) bool {
	return slices.Contains(c.EventTypes, t)
}

// DeliveryStatus is the state of a webhook delivery.
type DeliveryStatus string

// Delivery states. Transitions only go from pending to one of the others.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySuccess   DeliveryStatus = "success"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// ResponseSummary captures the last webhook attempt result.
type ResponseSummary struct {
	StatusCode int           `json:"statusCode,omitempty"`
	Body       string        `json:"body,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"durationNs"`
	// Throttled is how long the attempt waited on the subscriber's rate limit.
	Throttled time.Duration `json:"throttledNs,omitempty"`
}

// WebhookDelivery tracks retry state for one (config, event) pair.
type WebhookDelivery struct {
	ID           string           `json:"id"`
	ConfigID     string           `json:"configId"`
	EventID      string           `json:"eventId"`
	AttemptCount int              `json:"attemptCount"`
	Status       DeliveryStatus   `json:"status"`
	LastResponse *ResponseSummary `json:"lastResponse,omitempty"`
	NextRetryAt  *time.Time       `json:"nextRetryAt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Task is a unit of stage work carried by the queue.
type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Stage      Stage     `json:"stage"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	// Robots is nil when robots.txt was not consulted or came from cache.
	Robots *RobotsStatus
	// Render is set by browser fetchers only.
	Render *RenderStats
}

// RobotsStatus records how the site's robots.txt answered during a fetch.
type RobotsStatus struct {
	StatusCode int `json:"statusCode,omitempty"`
	Attempts   int `json:"attempts"`
	// Fallback names why robots.txt was read as allow-all, if it was.
	Fallback string `json:"fallback,omitempty"`
}

// RenderStats summarizes the subresource traffic seen while rendering a page.
type RenderStats struct {
	Requests      int   `json:"requests"`
	Failed        int   `json:"failed"`
	InsecureLoads int   `json:"insecureLoads"`
	TransferBytes int64 `json:"transferBytes"`
}

// Page is the fetched content handed to dimension analyzers.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchTime  time.Duration
	Rendered   bool
	Render     *RenderStats
}
