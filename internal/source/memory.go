package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// MemoryPostings is an in-memory postings sink for development and tests.
// It implements pipeline.BulkWriter and pipeline.Indexer.
type MemoryPostings struct {
	mu   sync.RWMutex
	docs map[string]pipeline.ClassifiedPosting
}

// NewMemoryPostings creates an empty in-memory sink.
func NewMemoryPostings() *MemoryPostings {
	return &MemoryPostings{docs: make(map[string]pipeline.ClassifiedPosting)}
}

// BulkUpsert stores all records keyed by posting ID.
func (m *MemoryPostings) BulkUpsert(_ context.Context, _ string, records []any) error {
	docs := make([]pipeline.ClassifiedPosting, 0, len(records))
	for _, record := range records {
		doc, ok := record.(pipeline.ClassifiedPosting)
		if !ok {
			return fmt.Errorf("bulk upsert: unexpected record type %T", record)
		}
		docs = append(docs, doc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		m.docs[doc.Posting.ID] = doc
	}
	return nil
}

// Index stores a single classified posting.
func (m *MemoryPostings) Index(ctx context.Context, doc pipeline.ClassifiedPosting) error {
	return m.BulkUpsert(ctx, "", []any{doc})
}

// Get returns the stored document for a posting ID.
func (m *MemoryPostings) Get(id string) (pipeline.ClassifiedPosting, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	return doc, ok
}

// Len returns the number of indexed postings.
func (m *MemoryPostings) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
