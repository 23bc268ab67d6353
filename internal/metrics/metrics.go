// Package metrics exposes Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionDecisionsTotal    *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	dimensionResultsTotal      *prometheus.CounterVec
	dimensionDurationSeconds   *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	webhookAttemptsTotal       *prometheus.CounterVec
	webhookAttemptDuration     prometheus.Histogram
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_admission_decisions_total",
				Help: "Rate limiter decisions at job creation, labeled by decision.",
			},
			[]string{"decision"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_jobs_total",
				Help: "Jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteboost_stage_duration_seconds",
				Help:    "Stage execution time, labeled by stage and outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "outcome"},
		)

		dimensionResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_dimension_results_total",
				Help: "Analyzer results, labeled by dimension and status.",
			},
			[]string{"dimension", "status"},
		)

		dimensionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteboost_dimension_duration_seconds",
				Help:    "Analyzer execution time, labeled by dimension.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"dimension"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_cache_lookups_total",
				Help: "Result cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		webhookAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_webhook_attempts_total",
				Help: "Webhook delivery attempts, labeled by resulting delivery status.",
			},
			[]string{"status"},
		)

		webhookAttemptDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "siteboost_webhook_attempt_duration_seconds",
				Help:    "Histogram of webhook request latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteboost_active_workers",
				Help: "Number of workers currently processing a stage task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteboost_rate_limit_delays_seconds",
				Help:    "Histogram of outbound per-host throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteboost_robots_fallback_total",
				Help: "Fetches that treated an unreachable robots.txt as allow-all.",
			},
			[]string{"reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission records a rate limiter decision: allowed, rejected or error.
func ObserveAdmission(decision string) {
	Init()
	admissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage took.
func ObserveStage(stage, outcome string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// ObserveDimension records one analyzer result.
func ObserveDimension(dimension, status string, duration time.Duration) {
	Init()
	dimensionResultsTotal.WithLabelValues(dimension, status).Inc()
	dimensionDurationSeconds.WithLabelValues(dimension).Observe(duration.Seconds())
}

// ObserveCache records a cache lookup result.
func ObserveCache(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveWebhookAttempt records a webhook attempt and the delivery status it produced.
func ObserveWebhookAttempt(status string, duration time.Duration) {
	Init()
	webhookAttemptsTotal.WithLabelValues(status).Inc()
	webhookAttemptDuration.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of an outbound throttle wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt that was read as allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}
