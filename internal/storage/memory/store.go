package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Store implements analysis.Store in memory. Each table has its own lock.
type Store struct {
	jobMu        sync.RWMutex
	jobs         map[string]analysis.Job
	correlations map[string]string

	resultMu        sync.RWMutex
	results         map[string][]analysis.StageResult
	recommendations map[string][]analysis.Recommendation

	eventMu     sync.RWMutex
	events      map[string]analysis.Event
	eventsByJob map[string][]string
	eventOrder  []string
	notified    map[string]time.Time

	hookMu      sync.RWMutex
	configs     map[string]analysis.WebhookConfig
	configOrder []string
	deliveries  map[string]analysis.WebhookDelivery
	deliveryKey map[string]string
}

var _ analysis.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:            make(map[string]analysis.Job),
		correlations:    make(map[string]string),
		results:         make(map[string][]analysis.StageResult),
		recommendations: make(map[string][]analysis.Recommendation),
		events:          make(map[string]analysis.Event),
		eventsByJob:     make(map[string][]string),
		notified:        make(map[string]time.Time),
		configs:         make(map[string]analysis.WebhookConfig),
		deliveries:      make(map[string]analysis.WebhookDelivery),
		deliveryKey:     make(map[string]string),
	}
}

func correlationKey(ownerID, correlationID string) string {
	return ownerID + "\x00" + correlationID
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job analysis.Job) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	key := correlationKey(job.OwnerID, job.CorrelationID)
	if _, exists := s.correlations[key]; exists {
		return analysis.ErrDuplicateCorrelation
	}
	s.jobs[job.ID] = job.Clone()
	s.correlations[key] = job.ID
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (analysis.Job, error) {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Job{}, analysis.ErrNotFound
	}
	return job.Clone(), nil
}

// GetJobByCorrelation fetches the owner's job created with correlationID.
func (s *Store) GetJobByCorrelation(_ context.Context, ownerID, correlationID string) (analysis.Job, error) {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	id, ok := s.correlations[correlationKey(ownerID, correlationID)]
	if !ok {
		return analysis.Job{}, analysis.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

// UpdateJob replaces the job if the stored version matches expectedVersion.
func (s *Store) UpdateJob(_ context.Context, job analysis.Job, expectedVersion int64) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return analysis.ErrNotFound
	}
	if current.Version != expectedVersion {
		return analysis.ErrVersionConflict
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListStalledJobs returns non-terminal jobs last updated before the cutoff.
func (s *Store) ListStalledJobs(_ context.Context, before time.Time, limit int) ([]analysis.Job, error) {
	s.jobMu.RLock()
	defer s.jobMu.RUnlock()
	var out []analysis.Job
	for _, job := range s.jobs {
		if job.Status.Terminal() || !job.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b analysis.Job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutStageResult records a dimension result once.
func (s *Store) PutStageResult(_ context.Context, result analysis.StageResult) error {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	for _, existing := range s.results[result.JobID] {
		if existing.Dimension == result.Dimension {
			return analysis.ErrResultExists
		}
	}
	result.Data = slices.Clone(result.Data)
	s.results[result.JobID] = append(s.results[result.JobID], result)
	return nil
}

// ListStageResults returns the job's results ordered by dimension.
func (s *Store) ListStageResults(_ context.Context, jobID string) ([]analysis.StageResult, error) {
	s.resultMu.RLock()
	defer s.resultMu.RUnlock()
	out := slices.Clone(s.results[jobID])
	slices.SortFunc(out, func(a, b analysis.StageResult) int {
		switch {
		case a.Dimension < b.Dimension:
			return -1
		case a.Dimension > b.Dimension:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// PutRecommendations stores the job's recommendations once.
func (s *Store) PutRecommendations(_ context.Context, jobID string, recs []analysis.Recommendation) error {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	if _, exists := s.recommendations[jobID]; exists {
		return analysis.ErrResultExists
	}
	s.recommendations[jobID] = slices.Clone(recs)
	return nil
}

// ListRecommendations returns the job's recommendations.
func (s *Store) ListRecommendations(_ context.Context, jobID string) ([]analysis.Recommendation, error) {
	s.resultMu.RLock()
	defer s.resultMu.RUnlock()
	return slices.Clone(s.recommendations[jobID]), nil
}

// AppendEvent appends an event. Events are never updated.
func (s *Store) AppendEvent(_ context.Context, evt analysis.Event) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if _, exists := s.events[evt.ID]; exists {
		return fmt.Errorf("event %s already exists", evt.ID)
	}
	evt.Data = slices.Clone(evt.Data)
	s.events[evt.ID] = evt
	s.eventsByJob[evt.JobID] = append(s.eventsByJob[evt.JobID], evt.ID)
	s.eventOrder = append(s.eventOrder, evt.ID)
	return nil
}

// MarkEventNotified records the fan-out marker. Marking twice keeps the first time.
func (s *Store) MarkEventNotified(_ context.Context, eventID string, at time.Time) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return analysis.ErrNotFound
	}
	if _, done := s.notified[eventID]; !done {
		s.notified[eventID] = at
	}
	return nil
}

// ListUnnotifiedEvents returns unmarked events created at or before before.
func (s *Store) ListUnnotifiedEvents(_ context.Context, before time.Time, limit int) ([]analysis.Event, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	var out []analysis.Event
	for _, id := range s.eventOrder {
		if _, done := s.notified[id]; done {
			continue
		}
		evt := s.events[id]
		if evt.CreatedAt.After(before) {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetEvent fetches an event by ID.
func (s *Store) GetEvent(_ context.Context, eventID string) (analysis.Event, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	evt, ok := s.events[eventID]
	if !ok {
		return analysis.Event{}, analysis.ErrNotFound
	}
	return evt, nil
}

// ListEvents returns the job's events in append order.
func (s *Store) ListEvents(_ context.Context, jobID string) ([]analysis.Event, error) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	ids := s.eventsByJob[jobID]
	out := make([]analysis.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id])
	}
	return out, nil
}
