package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSampler replays a fixed sequence of samples.
type scriptedSampler struct {
	samples []Sample
	errs    []error
	idx     int
}

func (s *scriptedSampler) Sample(context.Context) (Sample, error) {
	i := s.idx
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	s.idx++
	if i < len(s.errs) && s.errs[i] != nil {
		return Sample{}, s.errs[i]
	}
	return s.samples[i], nil
}

func TestClassify(t *testing.T) {
	t.Parallel()

	m := New(&scriptedSampler{}, Config{CPUHigh: 80, MemHigh: 85, CPULow: 50, MemLow: 50}, zap.NewNop())

	cases := []struct {
		name   string
		sample Sample
		want   Pressure
	}{
		{name: "idle", sample: Sample{CPUPercent: 10, MemPercent: 20}, want: Low},
		{name: "cpu high", sample: Sample{CPUPercent: 90, MemPercent: 20}, want: High},
		{name: "mem high", sample: Sample{CPUPercent: 10, MemPercent: 95}, want: High},
		{name: "cpu busy mem idle", sample: Sample{CPUPercent: 60, MemPercent: 20}, want: Normal},
		{name: "both at low threshold", sample: Sample{CPUPercent: 50, MemPercent: 50}, want: Normal},
		{name: "both just above high", sample: Sample{CPUPercent: 80.1, MemPercent: 85.1}, want: High},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, m.classify(tc.sample), tc.name)
	}
}

func TestMonitorPublishesPressureChanges(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{samples: []Sample{
		{CPUPercent: 90, MemPercent: 40}, // High
		{CPUPercent: 91, MemPercent: 41}, // still High, no notification
		{CPUPercent: 10, MemPercent: 10}, // Low
	}}
	m := New(sampler, Config{}, zap.NewNop())
	sub := m.Subscribe()

	ctx := context.Background()
	m.sampleOnce(ctx)
	assert.Equal(t, High, m.Pressure())
	select {
	case level := <-sub:
		assert.Equal(t, High, level)
	default:
		t.Fatal("expected a pressure change notification")
	}

	m.sampleOnce(ctx)
	select {
	case <-sub:
		t.Fatal("unchanged pressure must not notify")
	default:
	}

	m.sampleOnce(ctx)
	assert.Equal(t, Low, m.Pressure())
	assert.Equal(t, Sample{CPUPercent: 10, MemPercent: 10}, m.LastSample())
}

func TestMonitorSlowSubscriberSeesLatestLevel(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{samples: []Sample{
		{CPUPercent: 90, MemPercent: 40}, // High
		{CPUPercent: 10, MemPercent: 10}, // Low
	}}
	m := New(sampler, Config{}, zap.NewNop())
	sub := m.Subscribe()

	ctx := context.Background()
	m.sampleOnce(ctx)
	m.sampleOnce(ctx)

	// The stale High was replaced; the subscriber sees only the latest level.
	level := <-sub
	assert.Equal(t, Low, level)
	select {
	case <-sub:
		t.Fatal("only one buffered level expected")
	default:
	}
}

func TestMonitorKeepsPressureOnSampleError(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{
		samples: []Sample{{CPUPercent: 90, MemPercent: 40}, {}},
		errs:    []error{nil, errors.New("proc unavailable")},
	}
	m := New(sampler, Config{}, zap.NewNop())

	ctx := context.Background()
	m.sampleOnce(ctx)
	require.Equal(t, High, m.Pressure())

	m.sampleOnce(ctx)
	assert.Equal(t, High, m.Pressure(), "a failed sample keeps the last level")
	assert.Equal(t, Sample{CPUPercent: 90, MemPercent: 40}, m.LastSample())
}

func TestPressureString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "high", High.String())
}
