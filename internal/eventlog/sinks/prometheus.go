package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// PrometheusSink derives job lifecycle metrics from the event stream.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteboost_events_total",
			Help: "Pipeline events appended, partitioned by type.",
		}, []string{"type"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siteboost_jobs_running",
			Help: "Jobs created but not yet terminal.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteboost_job_runtime_seconds",
			Help:    "Wall time from job creation to terminal event.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{s.events, s.jobsRunning, s.jobRuntime} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []analysis.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Type)).Inc()
		switch evt.Type {
		case analysis.EventJobCreated:
			if s.tracker.start(evt.JobID, evt.CreatedAt) {
				s.jobsRunning.Inc()
			}
		case analysis.EventRecommendationsComplete:
			s.finish(evt, "success")
		case analysis.EventAnalysisFailed:
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt analysis.Event, result string) {
	started, ok := s.tracker.complete(evt.JobID)
	if !ok {
		return
	}
	s.jobsRunning.Dec()
	if d := evt.CreatedAt.Sub(started); d > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(d.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return started, ok
}
