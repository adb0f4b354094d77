// Package memory contains an in-memory publisher used when no notifier is
// configured and in tests. Payloads are JSON-encoded exactly as the Pub/Sub
// publisher encodes them, so an unencodable payload fails here too.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

// Publisher records published messages per topic.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Data    []byte
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes and records the message and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data, Payload: payload})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Summaries decodes every message on topic as a run summary.
func (p *Publisher) Summaries(topic string) ([]harvest.RunSummary, error) {
	var out []harvest.RunSummary
	for _, msg := range p.Messages() {
		if msg.Topic != topic {
			continue
		}
		var s harvest.RunSummary
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}
