// Package controller orchestrates the pipeline stages: sequencing, restart
// recovery, pause, boost, and progress reporting.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobsift/jobsift/internal/batch"
	"github.com/jobsift/jobsift/internal/pipeline"
	"github.com/jobsift/jobsift/internal/pool"
	"github.com/jobsift/jobsift/internal/ratelimit"
)

// State is the lifecycle of one pipeline run.
type State string

// Run states.
const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StatePaused     State = "paused"
	StateFailed     State = "failed"
)

// StageRuntime bundles the per-stage machinery the controller drives.
type StageRuntime struct {
	Pool    *pool.Pool
	Limiter ratelimit.BoostGate
	Batch   *batch.Writer
}

// Config controls sequencing and boost behavior.
type Config struct {
	// AdvanceThreshold is the number of permanently failed items tolerated
	// per stage when deciding the run may advance. Without it a single bad
	// page would fail the whole run.
	AdvanceThreshold map[pipeline.Stage]int64
	// BoostRateCeiling is the absolute rate cap applied during boost.
	BoostRateCeiling float64
	// BoostDuration bounds how long a boost lasts before reverting.
	BoostDuration time.Duration
	// EventTopic receives run and stage completion events, if a publisher
	// is configured.
	EventTopic string
}

func (c Config) withDefaults() Config {
	if c.BoostDuration <= 0 {
		c.BoostDuration = 10 * time.Minute
	}
	return c
}

// Controller owns one pipeline run at a time.
type Controller struct {
	store     pipeline.CheckpointStore
	stages    map[pipeline.Stage]*StageRuntime
	publisher pipeline.Publisher
	clock     pipeline.Clock
	idGen     pipeline.IDGenerator
	cfg       Config
	logger    *zap.Logger

	throughput *tracker

	mu         sync.Mutex
	state      State
	current    pipeline.Stage
	runID      string
	lastErr    string
	cancelRun  context.CancelFunc
	boostTimer *time.Timer
	boosted    bool
}

// StageStatus is the per-stage slice of a status report.
type StageStatus struct {
	Progress       pipeline.Progress `json:"progress"`
	PoolSize       int               `json:"pool_size"`
	RatePerSecond  float64           `json:"rate_per_second"`
	ItemsPerMinute float64           `json:"items_per_minute"`
}

// StatusReport is the operator-facing snapshot of the run.
type StatusReport struct {
	State   State                          `json:"state"`
	RunID   string                         `json:"run_id,omitempty"`
	Stage   pipeline.Stage                 `json:"stage,omitempty"`
	Error   string                         `json:"error,omitempty"`
	Boosted bool                           `json:"boosted"`
	Stages  map[pipeline.Stage]StageStatus `json:"stages"`
}

// New constructs a Controller.
func New(
	store pipeline.CheckpointStore,
	stages map[pipeline.Stage]*StageRuntime,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:      store,
		stages:     stages,
		publisher:  publisher,
		clock:      clock,
		idGen:      idGen,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		throughput: newTracker(clock),
		state:      StateNotStarted,
	}
	for stage, rt := range stages {
		if rt.Pool == nil {
			return nil, fmt.Errorf("stage %s has no pool", stage)
		}
		rt.Pool.SetCompletionHook(func(st pipeline.Stage, status pipeline.Status) {
			if status == pipeline.StatusDone {
				c.throughput.Record(st)
			}
		})
	}
	return c, nil
}

// Run executes the target stage, or every stage in order for StageAll. Each
// stage starts with a requeue pass so items stranded in flight by a prior
// abnormal exit become claimable again.
func (c *Controller) Run(ctx context.Context, target pipeline.Stage) error {
	stages, err := c.resolve(target)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := ""
	if c.idGen != nil {
		if id, err := c.idGen.NewID(); err == nil {
			runID = id
		}
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("a run is already in progress")
	}
	c.state = StateRunning
	c.runID = runID
	c.lastErr = ""
	c.cancelRun = cancel
	c.mu.Unlock()

	c.logger.Info("pipeline run starting",
		zap.String("run_id", runID),
		zap.String("target", string(target)),
	)

	for _, stage := range stages {
		if err := c.runStage(runCtx, stage); err != nil {
			c.finish(StateFailed, err)
			return err
		}
		if runCtx.Err() != nil {
			c.finish(StatePaused, nil)
			return nil
		}
		failed, err := c.failedCount(ctx, stage)
		if err != nil {
			c.finish(StateFailed, err)
			return err
		}
		if failed > c.threshold(stage) {
			err := fmt.Errorf("stage %s left %d failed items, above advance threshold %d",
				stage, failed, c.threshold(stage))
			c.finish(StateFailed, err)
			return err
		}
		c.publishEvent(ctx, "stage_completed", stage)
	}

	c.finish(StateCompleted, nil)
	c.publishEvent(ctx, "run_completed", "")
	return nil
}

func (c *Controller) runStage(ctx context.Context, stage pipeline.Stage) error {
	rt, ok := c.stages[stage]
	if !ok {
		return fmt.Errorf("no runtime configured for stage %s", stage)
	}

	requeued, err := c.store.Requeue(ctx, stage)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", stage, err)
	}
	if requeued > 0 {
		c.logger.Info("requeued stranded items",
			zap.String("stage", string(stage)),
			zap.Int("count", requeued),
		)
	}

	c.mu.Lock()
	c.current = stage
	c.mu.Unlock()

	c.logger.Info("stage starting", zap.String("stage", string(stage)))

	g, stageCtx := errgroup.WithContext(ctx)
	if rt.Batch != nil {
		// The flusher outlives stage cancellation so its shutdown path can
		// drain the buffer.
		batchCtx, stopBatch := context.WithCancel(context.Background())
		defer stopBatch()
		go rt.Batch.Run(batchCtx)
	}
	g.Go(func() error {
		return rt.Pool.Run(stageCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	if rt.Batch != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Batch.Flush(flushCtx); err != nil {
			return fmt.Errorf("stage %s final flush: %w", stage, err)
		}
	}

	c.logger.Info("stage finished", zap.String("stage", string(stage)))
	return nil
}

// Pause stops the current run: no new claims are issued and in-flight
// operations drain; their items return to pending or stay claimed for the
// next requeue pass.
func (c *Controller) Pause() {
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Info("pause requested")
		cancel()
	}
}

// Boost temporarily doubles pool sizes and rate limits, bounded by each
// pool's ceiling and the configured absolute rate cap, reverting after d
// (or the configured default when d is zero).
func (c *Controller) Boost(d time.Duration) {
	if d <= 0 {
		d = c.cfg.BoostDuration
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rt := range c.stages {
		rt.Pool.Boost()
		if rt.Limiter != nil {
			rt.Limiter.Boost(2, c.cfg.BoostRateCeiling)
		}
	}
	c.boosted = true
	if c.boostTimer != nil {
		c.boostTimer.Stop()
	}
	c.boostTimer = time.AfterFunc(d, c.unboost)
	c.logger.Info("boost applied", zap.Duration("duration", d))
}

func (c *Controller) unboost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rt := range c.stages {
		rt.Pool.Unboost()
		if rt.Limiter != nil {
			rt.Limiter.Unboost()
		}
	}
	c.boosted = false
	c.logger.Info("boost reverted")
}

// Status reports the run state and per-stage progress and throughput.
func (c *Controller) Status(ctx context.Context) (StatusReport, error) {
	c.mu.Lock()
	report := StatusReport{
		State:   c.state,
		RunID:   c.runID,
		Stage:   c.current,
		Error:   c.lastErr,
		Boosted: c.boosted,
		Stages:  make(map[pipeline.Stage]StageStatus, len(c.stages)),
	}
	c.mu.Unlock()

	for _, stage := range pipeline.Stages {
		rt, ok := c.stages[stage]
		if !ok {
			continue
		}
		progress, err := c.store.Progress(ctx, stage)
		if err != nil {
			return StatusReport{}, fmt.Errorf("progress %s: %w", stage, err)
		}
		status := StageStatus{
			Progress:       progress,
			PoolSize:       rt.Pool.Size(),
			ItemsPerMinute: c.throughput.PerMinute(stage),
		}
		if rt.Limiter != nil {
			status.RatePerSecond = rt.Limiter.Rate()
		}
		report.Stages[stage] = status
	}
	return report, nil
}

func (c *Controller) resolve(target pipeline.Stage) ([]pipeline.Stage, error) {
	if target == pipeline.StageAll {
		return pipeline.Stages, nil
	}
	if !target.Valid() {
		return nil, fmt.Errorf("unknown stage %q", target)
	}
	return []pipeline.Stage{target}, nil
}

func (c *Controller) failedCount(ctx context.Context, stage pipeline.Stage) (int64, error) {
	progress, err := c.store.Progress(ctx, stage)
	if err != nil {
		return 0, err
	}
	return progress.Failed, nil
}

func (c *Controller) threshold(stage pipeline.Stage) int64 {
	if c.cfg.AdvanceThreshold == nil {
		return 0
	}
	return c.cfg.AdvanceThreshold[stage]
}

func (c *Controller) finish(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.cancelRun = nil
	if err != nil {
		c.lastErr = err.Error()
		c.logger.Error("pipeline run failed", zap.Error(err))
		return
	}
	c.logger.Info("pipeline run finished", zap.String("state", string(state)))
}

func (c *Controller) publishEvent(ctx context.Context, event string, stage pipeline.Stage) {
	if c.publisher == nil || c.cfg.EventTopic == "" {
		return
	}
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()
	payload := map[string]any{
		"event":     event,
		"run_id":    runID,
		"timestamp": c.clock.Now().Format(time.RFC3339),
	}
	if stage != "" {
		payload["stage"] = string(stage)
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.EventTopic, payload); err != nil {
		c.logger.Warn("event publish failed", zap.String("event", event), zap.Error(err))
	}
}
