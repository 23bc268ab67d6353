package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Subscriber is notified once per appended event.
type Subscriber interface {
	NotifyEvent(ctx context.Context, evt analysis.Event) error
}

// Emitter publishes individual events; Hub satisfies this interface.
type Emitter interface {
	Emit(evt analysis.Event)
}

// Log appends events to an EventStore. It exposes no update or delete.
type Log struct {
	store   analysis.EventStore
	ids     analysis.IDGenerator
	clock   analysis.Clock
	emitter Emitter
	logger  *zap.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewLog constructs a Log. emitter may be nil.
func NewLog(
	store analysis.EventStore,
	ids analysis.IDGenerator,
	clock analysis.Clock,
	emitter Emitter,
	logger *zap.Logger,
) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, ids: ids, clock: clock, emitter: emitter, logger: logger}
}

// Subscribe registers s for every subsequently appended event.
func (l *Log) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, s)
}

// Append records a new event for jobID within scope and notifies subscribers.
// data is marshaled to JSON; nil produces an empty object.
func (l *Log) Append(
	ctx context.Context,
	jobID, scope string,
	eventType analysis.EventType,
	data any,
) (analysis.Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return analysis.Event{}, fmt.Errorf("marshal event data: %w", err)
	}
	id, err := l.ids.NewID()
	if err != nil {
		return analysis.Event{}, fmt.Errorf("generate event id: %w", err)
	}
	evt := analysis.Event{
		ID:        id,
		JobID:     jobID,
		Scope:     scope,
		Type:      eventType,
		Data:      raw,
		CreatedAt: l.clock.Now(),
	}
	if err := l.store.AppendEvent(ctx, evt); err != nil {
		return analysis.Event{}, fmt.Errorf("append event: %w", err)
	}
	l.notify(ctx, evt)
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
	return evt, nil
}

func (l *Log) notify(ctx context.Context, evt analysis.Event) {
	l.mu.RLock()
	subs := append([]Subscriber(nil), l.subscribers...)
	l.mu.RUnlock()
	for _, s := range subs {
		if err := s.NotifyEvent(ctx, evt); err != nil {
			l.logger.Warn("event subscriber failed",
				zap.String("event_id", evt.ID),
				zap.String("event_type", string(evt.Type)),
				zap.Error(err))
		}
	}
}

// List returns the job's events in append order.
func (l *Log) List(ctx context.Context, jobID string) ([]analysis.Event, error) {
	events, err := l.store.ListEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
