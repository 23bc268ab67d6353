package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// PublisherSink forwards every event to a message topic.
type PublisherSink struct {
	publisher analysis.Publisher
	topic     string
}

// NewPublisherSink creates a sink publishing to topic.
func NewPublisherSink(publisher analysis.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// EventMessage is the published payload.
type EventMessage struct {
	EventID    string             `json:"eventId"`
	AnalysisID string             `json:"analysisId"`
	Event      analysis.EventType `json:"event"`
	Data       any                `json:"data"`
	CreatedAt  string             `json:"createdAt"`
}

// Attributes returns the routing attributes attached to the published message.
func (m EventMessage) Attributes() map[string]string {
	return map[string]string{
		"event":      string(m.Event),
		"analysisId": m.AnalysisID,
	}
}

// Consume publishes the batch in order and joins any failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []analysis.Event) error {
	var errs []error
	for _, evt := range batch {
		msg := EventMessage{
			EventID:    evt.ID,
			AnalysisID: evt.JobID,
			Event:      evt.Type,
			Data:       evt.Data,
			CreatedAt:  evt.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish event %s: %w", evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
