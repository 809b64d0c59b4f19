package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveRate(t *testing.T) {
	t.Parallel()

	_, err := New("extract", 0, 1)
	require.Error(t, err)
	_, err = New("extract", -1, 1)
	require.Error(t, err)
}

func TestLimiterTryAcquireHonorsBurst(t *testing.T) {
	t.Parallel()

	// One token per hour, effectively: only the initial burst is spendable.
	l, err := New("extract", 1.0/3600, 2)
	require.NoError(t, err)

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "burst of 2 exhausted")
}

func TestLimiterAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	l, err := New("extract", 1.0/3600, 1)
	require.NoError(t, err)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	require.Error(t, err, "no token will arrive within the deadline")
}

func TestLimiterSetRate(t *testing.T) {
	t.Parallel()

	l, err := New("extract", 5, 1)
	require.NoError(t, err)

	require.Error(t, l.SetRate(0))
	require.NoError(t, l.SetRate(8))
	assert.InDelta(t, 8, l.Rate(), 0.001)
}

func TestLimiterBoostCapsAtCeiling(t *testing.T) {
	t.Parallel()

	l, err := New("extract", 10, 1)
	require.NoError(t, err)

	l.Boost(2, 15)
	assert.InDelta(t, 15, l.Rate(), 0.001, "doubled rate is capped at the ceiling")

	l.Unboost()
	assert.InDelta(t, 10, l.Rate(), 0.001)
}

func TestLimiterBoostWithoutCeiling(t *testing.T) {
	t.Parallel()

	l, err := New("extract", 10, 1)
	require.NoError(t, err)

	l.Boost(3, 0)
	assert.InDelta(t, 30, l.Rate(), 0.001)
	l.Unboost()
	assert.InDelta(t, 10, l.Rate(), 0.001)
}

func TestLimiterBoostIgnoresShrinkFactor(t *testing.T) {
	t.Parallel()

	l, err := New("extract", 10, 1)
	require.NoError(t, err)

	l.Boost(1, 100)
	assert.InDelta(t, 10, l.Rate(), 0.001)
}

func TestLimiterAdmissionBoundUnderContention(t *testing.T) {
	t.Parallel()

	const (
		rps   = 50.0
		burst = 5
	)
	l, err := New("extract", rps, burst)
	require.NoError(t, err)

	window := 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := l.Acquire(ctx); err != nil {
					return
				}
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	// At most burst + rps*window tokens exist in the window, however many
	// goroutines contend for them. One extra covers a refill racing the
	// deadline.
	bound := int64(burst + rps*window.Seconds())
	got := admitted.Load()
	assert.LessOrEqual(t, got, bound+1, "admissions leaked past the token bucket")
	assert.GreaterOrEqual(t, got, int64(burst), "the initial burst admits immediately")
}
