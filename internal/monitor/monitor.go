// Package monitor samples host resource utilization and publishes a coarse
// pressure signal used to scale worker pool concurrency.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/telemetry"
)

// Pressure is the coarse resource-utilization signal.
type Pressure int

// Pressure levels, in increasing order of load.
const (
	Low Pressure = iota
	Normal
	High
)

func (p Pressure) String() string {
	switch p {
	case Low:
		return "low"
	case High:
		return "high"
	default:
		return "normal"
	}
}

// Sample is one CPU/memory utilization reading.
type Sample struct {
	CPUPercent float64
	MemPercent float64
}

// Sampler reads current utilization. Implemented by the system sampler and
// by test fakes.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads utilization from the host via gopsutil.
type SystemSampler struct{}

// Sample returns current host CPU and memory utilization.
func (SystemSampler) Sample(ctx context.Context) (Sample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}
	s := Sample{MemPercent: vm.UsedPercent}
	if len(cpuPercents) > 0 {
		s.CPUPercent = cpuPercents[0]
	}
	return s, nil
}

// Config holds monitor thresholds and cadence.
type Config struct {
	Interval time.Duration
	CPUHigh  float64
	MemHigh  float64
	CPULow   float64
	MemLow   float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CPUHigh <= 0 {
		c.CPUHigh = 80
	}
	if c.MemHigh <= 0 {
		c.MemHigh = 85
	}
	if c.CPULow <= 0 {
		c.CPULow = 50
	}
	if c.MemLow <= 0 {
		c.MemLow = 50
	}
	return c
}

// Monitor periodically samples utilization and derives a pressure level.
// Sampling is advisory: a failed sample keeps the last known pressure and
// never blocks the pipeline.
type Monitor struct {
	sampler Sampler
	cfg     Config
	logger  *zap.Logger

	mu       sync.RWMutex
	pressure Pressure
	last     Sample
	subs     []chan Pressure
}

// New constructs a Monitor. A nil sampler means the system sampler.
func New(sampler Sampler, cfg Config, logger *zap.Logger) *Monitor {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:  sampler,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		pressure: Normal,
	}
}

// Run samples on the configured interval until the context finishes.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// Pressure returns the last derived pressure level.
func (m *Monitor) Pressure() Pressure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure
}

// LastSample returns the most recent successful sample.
func (m *Monitor) LastSample() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Subscribe returns a channel that receives pressure level changes. The
// channel is buffered; a slow subscriber misses intermediate levels but
// never stalls the sampler.
func (m *Monitor) Subscribe() <-chan Pressure {
	ch := make(chan Pressure, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("resource sample failed", zap.Error(err))
		}
		return
	}
	level := m.classify(sample)

	m.mu.Lock()
	m.last = sample
	changed := level != m.pressure
	m.pressure = level
	subs := m.subs
	m.mu.Unlock()

	telemetry.SetPressure(int(level), sample.CPUPercent, sample.MemPercent)
	if !changed {
		return
	}
	m.logger.Info("resource pressure changed",
		zap.String("pressure", level.String()),
		zap.Float64("cpu_percent", sample.CPUPercent),
		zap.Float64("mem_percent", sample.MemPercent),
	)
	for _, ch := range subs {
		select {
		case ch <- level:
		default:
			// drop stale level, replace with current
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- level:
			default:
			}
		}
	}
}

func (m *Monitor) classify(s Sample) Pressure {
	switch {
	case s.CPUPercent > m.cfg.CPUHigh || s.MemPercent > m.cfg.MemHigh:
		return High
	case s.CPUPercent < m.cfg.CPULow && s.MemPercent < m.cfg.MemLow:
		return Low
	default:
		return Normal
	}
}
