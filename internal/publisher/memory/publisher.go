// Package memory provides an in-process event publisher for dev runs and
// tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Event is one published pipeline notification.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher collects events per topic instead of sending them anywhere.
type Publisher struct {
	mu     sync.RWMutex
	seq    int
	events []Event
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish validates that the payload is JSON-marshalable, the same contract
// the Pub/Sub publisher enforces, then records the event.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if _, err := json.Marshal(payload); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("mem-%04d", p.seq)
	p.events = append(p.events, Event{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Events returns a copy of everything published, oldest first.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// On returns the events published to one topic, oldest first.
func (p *Publisher) On(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
