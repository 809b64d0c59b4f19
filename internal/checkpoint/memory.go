// Package checkpoint provides durable work item state implementations.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// ErrConflict is returned when a completion would overwrite a different
// terminal outcome for the same item.
var ErrConflict = errors.New("conflicting terminal outcome")

// ErrNotFound is returned when an item does not exist in the store.
var ErrNotFound = errors.New("work item not found")

type memoryKey struct {
	stage pipeline.Stage
	id    string
}

// MemoryStore is an in-memory checkpoint store for development and tests.
// It honors the same claim/complete semantics as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[memoryKey]*pipeline.WorkItem
	order []memoryKey
	clock pipeline.Clock
}

// NewMemoryStore constructs a MemoryStore. A nil clock means wall time.
func NewMemoryStore(clock pipeline.Clock) *MemoryStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryStore{
		items: make(map[memoryKey]*pipeline.WorkItem),
		clock: clock,
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Seed inserts items as pending, ignoring duplicates.
func (s *MemoryStore) Seed(_ context.Context, items []pipeline.WorkItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	now := s.clock.Now()
	for _, item := range items {
		key := memoryKey{stage: item.Stage, id: item.ID}
		if _, exists := s.items[key]; exists {
			continue
		}
		stored := item
		stored.Status = pipeline.StatusPending
		stored.Attempts = 0
		stored.UpdatedAt = now
		s.items[key] = &stored
		s.order = append(s.order, key)
		inserted++
	}
	return inserted, nil
}

// ClaimBatch atomically claims up to limit eligible pending items.
func (s *MemoryStore) ClaimBatch(_ context.Context, stage pipeline.Stage, limit int) ([]pipeline.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var claimed []pipeline.WorkItem
	for _, key := range s.order {
		if len(claimed) >= limit {
			break
		}
		item := s.items[key]
		if item.Stage != stage || item.Status != pipeline.StatusPending {
			continue
		}
		if !item.NotBefore.IsZero() && item.NotBefore.After(now) {
			continue
		}
		item.Status = pipeline.StatusInFlight
		item.UpdatedAt = now
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

// Complete records the outcome of one attempt. Re-completing a terminal item
// with the same status is a no-op; a different terminal status is a conflict.
func (s *MemoryStore) Complete(_ context.Context, item pipeline.WorkItem, outcome pipeline.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{stage: item.Stage, id: item.ID}
	stored, ok := s.items[key]
	if !ok {
		return fmt.Errorf("complete %s/%s: %w", item.Stage, item.ID, ErrNotFound)
	}
	if stored.Status.Terminal() {
		if stored.Status == outcome.Status {
			return nil
		}
		return fmt.Errorf("complete %s/%s: %w", item.Stage, item.ID, ErrConflict)
	}
	if stored.Status != pipeline.StatusInFlight {
		return fmt.Errorf("complete %s/%s: item is %s, not in flight", item.Stage, item.ID, stored.Status)
	}
	stored.Status = outcome.Status
	stored.Attempts++
	stored.LastError = outcome.Reason
	stored.NotBefore = outcome.NotBefore
	if outcome.ArtifactRef != "" {
		stored.ArtifactRef = outcome.ArtifactRef
	}
	stored.UpdatedAt = s.clock.Now()
	return nil
}

// Release returns one in-flight item to pending without counting an attempt.
func (s *MemoryStore) Release(_ context.Context, item pipeline.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{stage: item.Stage, id: item.ID}
	stored, ok := s.items[key]
	if !ok {
		return fmt.Errorf("release %s/%s: %w", item.Stage, item.ID, ErrNotFound)
	}
	if stored.Status != pipeline.StatusInFlight {
		return nil
	}
	stored.Status = pipeline.StatusPending
	stored.UpdatedAt = s.clock.Now()
	return nil
}

// Requeue moves every in-flight item for stage back to pending.
func (s *MemoryStore) Requeue(_ context.Context, stage pipeline.Stage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := s.clock.Now()
	for _, item := range s.items {
		if item.Stage == stage && item.Status == pipeline.StatusInFlight {
			item.Status = pipeline.StatusPending
			item.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// Progress returns aggregate counters for stage.
func (s *MemoryStore) Progress(_ context.Context, stage pipeline.Stage) (pipeline.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pipeline.Progress{Stage: stage}
	for _, item := range s.items {
		if item.Stage != stage {
			continue
		}
		p.Total++
		switch item.Status {
		case pipeline.StatusPending:
			p.Pending++
			if item.Attempts > 0 {
				p.Retrying++
			}
		case pipeline.StatusInFlight:
			p.InFlight++
		case pipeline.StatusDone:
			p.Done++
		case pipeline.StatusFailed:
			p.Failed++
		}
	}
	return p, nil
}

// Get returns a copy of one stored item, primarily for tests.
func (s *MemoryStore) Get(stage pipeline.Stage, id string) (pipeline.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[memoryKey{stage: stage, id: id}]
	if !ok {
		return pipeline.WorkItem{}, false
	}
	return *item, true
}
