// Package memory implements an in-process publisher for development runs
// where no message broker is deployed.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher appends every publish to an in-memory log. Handy in tests
// and dev mode for asserting what the pipeline announced.
type Publisher struct {
	mu  sync.Mutex
	log []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequence-based ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.log)), nil
}

// Messages returns a copy of the publish log in order.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.log))
	copy(out, p.log)
	return out
}

// TopicMessages returns the payloads published to one topic, in order.
func (p *Publisher) TopicMessages(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, m := range p.log {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}
