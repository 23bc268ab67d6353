// Package pubsub publishes analysis events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// ErrNotConfigured is returned when Publish runs without a topic publisher.
var ErrNotConfigured = errors.New("pubsub publisher is not configured")

// Publisher wraps a Pub/Sub topic publisher. The topic is bound when the
// underlying publisher is created, so the topic argument to Publish is ignored.
type Publisher struct {
	publisher *pubsub.Publisher
}

var _ analysis.Publisher = (*Publisher)(nil)

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish encodes the payload as JSON and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", ErrNotConfigured
	}
	msg, err := newMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// newMessage builds the wire message: payload attributes first, then the
// trace context, which wins on key collisions.
func newMessage(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := make(map[string]string)
	if attributed, ok := payload.(analysis.Attributed); ok {
		for k, v := range attributed.Attributes() {
			if v != "" {
				attrs[k] = v
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(attrs))
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
