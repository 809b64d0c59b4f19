// Package pool implements the adaptive bounded-concurrency executor that
// drives claimed work items through a stage operation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/batch"
	"github.com/jobsift/jobsift/internal/monitor"
	"github.com/jobsift/jobsift/internal/pipeline"
	"github.com/jobsift/jobsift/internal/ratelimit"
	"github.com/jobsift/jobsift/internal/telemetry"
)

// Config controls one stage's pool.
type Config struct {
	Stage   pipeline.Stage
	Size    int
	MinSize int
	MaxSize int
	// ClaimBatch caps how many items one claim cycle takes from the store.
	// Zero means the current pool size. Claiming more than the pool size
	// amortizes store round trips; dispatch stays bounded by Size.
	ClaimBatch       int
	ResizeStep       int
	OperationTimeout time.Duration
	IdlePoll         time.Duration
	ClaimRetryDelay  time.Duration
	Retry            RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = c.Size * 4
	}
	if c.ResizeStep <= 0 {
		c.ResizeStep = 1
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 60 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = time.Second
	}
	if c.ClaimRetryDelay <= 0 {
		c.ClaimRetryDelay = time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Deps are the collaborators a pool drives results through.
type Deps struct {
	Store    pipeline.CheckpointStore
	Limiter  ratelimit.Gate
	Batch    *batch.Writer
	Pressure <-chan monitor.Pressure
	Clock    pipeline.Clock
	Logger   *zap.Logger
}

// Pool claims work items in cycles and runs the stage operation on up to
// Size of them concurrently. Size may be changed between claim cycles, by
// the pressure signal or an explicit Resize.
type Pool struct {
	cfg  Config
	op   pipeline.Operation
	deps Deps

	mu       sync.Mutex
	size     int
	baseSize int

	// onCompletion, when set, is invoked once per terminal outcome. The
	// controller uses it to feed throughput tracking.
	onCompletion func(pipeline.Stage, pipeline.Status)
}

// New constructs a Pool for one stage.
func New(cfg Config, op pipeline.Operation, deps Deps) (*Pool, error) {
	cfg = cfg.withDefaults()
	if !cfg.Stage.Valid() {
		return nil, fmt.Errorf("invalid stage %q", cfg.Stage)
	}
	if op == nil {
		return nil, fmt.Errorf("operation is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	p := &Pool{
		cfg:      cfg,
		op:       op,
		deps:     deps,
		size:     cfg.Size,
		baseSize: cfg.Size,
	}
	telemetry.SetPoolSize(string(cfg.Stage), cfg.Size)
	return p, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SetCompletionHook registers a callback invoked for each terminal outcome.
func (p *Pool) SetCompletionHook(hook func(pipeline.Stage, pipeline.Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCompletion = hook
}

// Size returns the current concurrency bound.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Resize sets the concurrency bound, clamped to [MinSize, MaxSize]. The new
// bound applies from the next claim cycle.
func (p *Pool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSizeLocked(n)
	p.baseSize = p.size
}

// Boost doubles the pool size without moving the configured base, bounded
// by MaxSize. Unboost restores the base.
func (p *Pool) Boost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSizeLocked(p.baseSize * 2)
}

// Unboost restores the pre-boost size.
func (p *Pool) Unboost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSizeLocked(p.baseSize)
}

func (p *Pool) setSizeLocked(n int) {
	if n < p.cfg.MinSize {
		n = p.cfg.MinSize
	}
	if n > p.cfg.MaxSize {
		n = p.cfg.MaxSize
	}
	if n == p.size {
		return
	}
	p.deps.Logger.Info("pool resized",
		zap.String("stage", string(p.cfg.Stage)),
		zap.Int("from", p.size),
		zap.Int("to", n),
	)
	p.size = n
	telemetry.SetPoolSize(string(p.cfg.Stage), n)
}

// Run drives claim cycles until the stage drains or the context finishes.
// It returns nil on a drained stage or cancellation, and an error only for
// stage-fatal conditions (a batch destination that stays unavailable).
func (p *Pool) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.applyPressure()

		size := p.Size()
		limit := p.cfg.ClaimBatch
		if limit <= 0 {
			limit = size
		}
		items, err := p.deps.Store.ClaimBatch(ctx, p.cfg.Stage, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.deps.Logger.Warn("claim batch failed",
				zap.String("stage", string(p.cfg.Stage)),
				zap.Error(err),
			)
			if !sleepCtx(ctx, p.cfg.ClaimRetryDelay) {
				return nil
			}
			continue
		}

		if len(items) == 0 {
			drained, err := p.drained(ctx)
			if err == nil && drained {
				return nil
			}
			if !sleepCtx(ctx, p.cfg.IdlePoll) {
				return nil
			}
			continue
		}

		var wg sync.WaitGroup
		var fatalMu sync.Mutex
		var fatal error
		sem := make(chan struct{}, size)
		for _, item := range items {
			wg.Add(1)
			sem <- struct{}{}
			go func(item pipeline.WorkItem) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := p.process(ctx, item); err != nil {
					fatalMu.Lock()
					if fatal == nil {
						fatal = err
					}
					fatalMu.Unlock()
				}
			}(item)
		}
		wg.Wait()
		if fatal != nil {
			return fmt.Errorf("stage %s: %w", p.cfg.Stage, fatal)
		}
	}
}

// drained reports whether nothing is pending or in flight. Items parked on a
// retry backoff still count as pending, so the pool keeps polling for them.
func (p *Pool) drained(ctx context.Context) (bool, error) {
	progress, err := p.deps.Store.Progress(ctx, p.cfg.Stage)
	if err != nil {
		return false, err
	}
	return progress.Remaining() == 0, nil
}

func (p *Pool) applyPressure() {
	if p.deps.Pressure == nil {
		return
	}
	select {
	case level := <-p.deps.Pressure:
		p.mu.Lock()
		switch level {
		case monitor.High:
			p.setSizeLocked(p.size - p.cfg.ResizeStep)
			p.baseSize = p.size
		case monitor.Low:
			p.setSizeLocked(p.size + p.cfg.ResizeStep)
			p.baseSize = p.size
		}
		p.mu.Unlock()
	default:
	}
}

// process runs one attempt for one claimed item and records its outcome.
// The returned error is non-nil only for stage-fatal conditions.
func (p *Pool) process(ctx context.Context, item pipeline.WorkItem) error {
	stage := string(p.cfg.Stage)
	telemetry.IncActiveWorkers(stage)
	defer telemetry.DecActiveWorkers(stage)

	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Acquire(ctx); err != nil {
			p.release(item)
			return nil
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	start := time.Now()
	result, err := p.op(opCtx, item)
	cancel()
	telemetry.ObserveOperation(stage, time.Since(start))

	if err == nil {
		return p.succeed(ctx, item, result)
	}

	// A canceled run is not a failure: put the item back untouched. A
	// per-item deadline, by contrast, is a retryable transient fault.
	if ctx.Err() != nil {
		p.release(item)
		return nil
	}

	switch kind := pipeline.KindOf(err); kind {
	case pipeline.FailCanceled:
		p.release(item)
	case pipeline.FailMalformed:
		p.fail(ctx, item, err)
	default:
		p.retryOrFail(ctx, item, err)
	}
	return nil
}

func (p *Pool) succeed(ctx context.Context, item pipeline.WorkItem, result pipeline.StageResult) error {
	if len(result.Derived) > 0 {
		if _, err := p.deps.Store.Seed(ctx, result.Derived); err != nil {
			// Derived items must exist before the item is Done, or a crash
			// here would lose them: treat as a failed attempt.
			p.retryOrFail(ctx, item, err)
			return nil
		}
	}
	if p.deps.Batch != nil {
		for _, record := range result.Records {
			if err := p.deps.Batch.Append(ctx, record); err != nil {
				p.release(item)
				return fmt.Errorf("batch append: %w", err)
			}
		}
	}
	p.complete(ctx, item, pipeline.Outcome{
		Status:      pipeline.StatusDone,
		ArtifactRef: result.ArtifactRef,
	})
	return nil
}

func (p *Pool) retryOrFail(ctx context.Context, item pipeline.WorkItem, opErr error) {
	attempts := item.Attempts + 1
	if p.cfg.Retry.Exhausted(attempts) {
		p.fail(ctx, item, opErr)
		return
	}
	delay := p.cfg.Retry.Delay(item.Attempts)
	p.deps.Logger.Debug("attempt failed, scheduling retry",
		zap.String("stage", string(p.cfg.Stage)),
		zap.String("item_id", item.ID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(opErr),
	)
	p.complete(ctx, item, pipeline.Outcome{
		Status:    pipeline.StatusPending,
		Reason:    opErr.Error(),
		NotBefore: p.deps.Clock.Now().Add(delay),
	})
}

func (p *Pool) fail(ctx context.Context, item pipeline.WorkItem, opErr error) {
	p.deps.Logger.Warn("item failed terminally",
		zap.String("stage", string(p.cfg.Stage)),
		zap.String("item_id", item.ID),
		zap.Int("attempts", item.Attempts+1),
		zap.Error(opErr),
	)
	p.complete(ctx, item, pipeline.Outcome{
		Status: pipeline.StatusFailed,
		Reason: opErr.Error(),
	})
}

func (p *Pool) complete(ctx context.Context, item pipeline.WorkItem, outcome pipeline.Outcome) {
	if err := p.deps.Store.Complete(ctx, item, outcome); err != nil {
		// The item stays in flight; the next requeue pass recovers it.
		p.deps.Logger.Error("checkpoint complete failed",
			zap.String("stage", string(p.cfg.Stage)),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return
	}
	if outcome.Status.Terminal() {
		telemetry.ObserveItem(string(p.cfg.Stage), string(outcome.Status))
		p.mu.Lock()
		hook := p.onCompletion
		p.mu.Unlock()
		if hook != nil {
			hook(p.cfg.Stage, outcome.Status)
		}
	}
}

// release returns an item claimed by a canceled run. The run context may be
// gone, so the release gets its own deadline.
func (p *Pool) release(item pipeline.WorkItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Store.Release(ctx, item); err != nil {
		p.deps.Logger.Warn("release failed, item left for requeue",
			zap.String("stage", string(p.cfg.Stage)),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
