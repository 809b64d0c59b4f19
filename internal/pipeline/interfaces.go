package pipeline

import (
	"context"
	"time"
)

// CheckpointStore is the durable record of per-item processing state. It is
// the only component allowed to transition a WorkItem's status.
type CheckpointStore interface {
	// Seed inserts items as pending, ignoring ones already present.
	// Returns the number actually inserted.
	Seed(ctx context.Context, items []WorkItem) (int, error)
	// ClaimBatch atomically moves up to limit pending items for stage to
	// in-flight and returns them. Items whose NotBefore lies in the future
	// are not eligible. No item is ever returned to two concurrent callers.
	ClaimBatch(ctx context.Context, stage Stage, limit int) ([]WorkItem, error)
	// Complete records the outcome of one attempt. Calling it twice with the
	// same terminal outcome is a no-op.
	Complete(ctx context.Context, item WorkItem, outcome Outcome) error
	// Release returns one in-flight item to pending without counting an
	// attempt. Used when a run is canceled mid-flight.
	Release(ctx context.Context, item WorkItem) error
	// Requeue moves every in-flight item for stage back to pending. It must
	// run on restart before new claims are issued.
	Requeue(ctx context.Context, stage Stage) (int, error)
	// Progress returns aggregate counters for stage.
	Progress(ctx context.Context, stage Stage) (Progress, error)
}

// Operation processes one claimed work item. Implementations classify their
// failures with the pipeline error taxonomy so the worker pool can decide
// between retry and terminal failure.
type Operation func(ctx context.Context, item WorkItem) (StageResult, error)

// Fetcher retrieves raw content for an identity (typically a URL).
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// FetchResult is the raw content returned by a Fetcher.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Extractor turns raw content into a structured posting record.
type Extractor interface {
	Extract(ctx context.Context, url string, body []byte) (Posting, error)
}

// Classifier labels a posting via the external inference service.
type Classifier interface {
	Classify(ctx context.Context, posting Posting) (Labels, error)
}

// Indexer makes a classified posting searchable.
type Indexer interface {
	Index(ctx context.Context, doc ClassifiedPosting) error
}

// BulkWriter persists a batch of records in a single atomic operation.
// Either every record in the batch becomes durable or none do.
type BulkWriter interface {
	BulkUpsert(ctx context.Context, collection string, records []any) error
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item and run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
