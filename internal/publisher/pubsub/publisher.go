// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher sends JSON payloads to Pub/Sub topics. One topic publisher is
// kept per topic so batching settings are shared between calls.
type Publisher struct {
	client     *pubsub.Client
	propagator propagation.TextMapPropagator

	mu     sync.Mutex
	topics map[string]*pubsub.Publisher
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator sets how trace context is written into message attributes.
// The global propagator is used otherwise.
func WithPropagator(prop propagation.TextMapPropagator) Option {
	return func(p *Publisher) { p.propagator = prop }
}

// New creates a Publisher on top of an existing client.
func New(client *pubsub.Client, opts ...Option) *Publisher {
	p := &Publisher{
		client: client,
		topics: make(map[string]*pubsub.Publisher),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals the payload to JSON and blocks until the server has
// acknowledged it, returning the message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	prop := p.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	prop.Inject(ctx, propagation.MapCarrier(msg.Attributes))

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes and stops every topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Publisher(topic)
		p.topics[topic] = t
	}
	return t
}
