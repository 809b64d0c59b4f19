// Package batch accumulates successful stage results and flushes them to
// durable storage in groups, amortizing write cost without giving up
// per-item durability.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/pipeline"
	"github.com/jobsift/jobsift/internal/telemetry"
)

// Config controls flush cadence and retry behavior.
type Config struct {
	Collection string
	Size       int
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 50
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	return c
}

// Writer buffers records for one destination collection. A flush hands the
// entire buffer to the destination's bulk operation: on success the buffer is
// cleared, on failure every record is retained for a later retry. Records
// are never partially written.
type Writer struct {
	dest   pipeline.BulkWriter
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	buf []any

	// flushMu serializes flushes so retained records keep their order.
	flushMu sync.Mutex
}

// NewWriter constructs a Writer.
func NewWriter(dest pipeline.BulkWriter, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		dest:   dest,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run flushes on the configured interval until the context finishes, then
// performs one final flush with a fresh context so buffered records are not
// lost on shutdown.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Warn("interval flush failed",
					zap.String("collection", w.cfg.Collection),
					zap.Error(err),
				)
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.Flush(drainCtx); err != nil {
				w.logger.Error("final flush failed",
					zap.String("collection", w.cfg.Collection),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// Append buffers one record, flushing when the buffer reaches the
// configured size.
func (w *Writer) Append(ctx context.Context, record any) error {
	w.mu.Lock()
	w.buf = append(w.buf, record)
	full := len(w.buf) >= w.cfg.Size
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Len returns the number of buffered records.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Flush writes all buffered records in one bulk operation, retrying with
// exponential backoff. After exhausting retries the records are restored to
// the buffer and the error is surfaced so the controller can pause the stage.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	records := w.buf
	w.buf = nil
	w.mu.Unlock()

	err := w.writeWithRetries(ctx, records)
	telemetry.ObserveBatchFlush(w.cfg.Collection, len(records), err)
	if err != nil {
		w.mu.Lock()
		w.buf = append(records, w.buf...)
		w.mu.Unlock()
		return pipeline.Storage(fmt.Errorf("flush %d records to %s: %w", len(records), w.cfg.Collection, err))
	}
	return nil
}

func (w *Writer) writeWithRetries(ctx context.Context, records []any) error {
	var lastErr error
	delay := w.cfg.RetryDelay
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			w.logger.Warn("bulk write retry",
				zap.String("collection", w.cfg.Collection),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("flush canceled: %w", ctx.Err())
			}
			delay *= 2
		}
		if lastErr = w.dest.BulkUpsert(ctx, w.cfg.Collection, records); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
