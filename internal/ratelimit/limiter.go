// Package ratelimit implements the token-bucket admission gate that keeps
// each pipeline stage inside its external quota.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jobsift/jobsift/internal/telemetry"
)

// Gate admits operations against an external quota. All workers of one stage
// share a single Gate.
type Gate interface {
	// Acquire blocks until a token is available or the context ends.
	Acquire(ctx context.Context) error
	// TryAcquire reports whether a token was available without blocking.
	TryAcquire() bool
	// SetRate reconfigures the admission rate while the gate is in use.
	SetRate(rps float64) error
}

// BoostGate is a Gate that also supports a bounded temporary boost, used by
// the controller when an operator requests a catch-up window.
type BoostGate interface {
	Gate
	// Boost multiplies the base rate by factor, capped at ceiling.
	Boost(factor, ceiling float64)
	// Unboost restores the base rate.
	Unboost()
	// Rate returns the currently configured admission rate.
	Rate() float64
}

// Limiter is an in-process token bucket gate built on x/time/rate.
// It supports dynamic reconfiguration and a bounded temporary boost.
type Limiter struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	name     string
	baseRate float64
	boosted  bool
}

// New creates a Limiter admitting rps operations per second with the given
// burst. A rate <= 0 is a configuration error, never a silent drop.
func New(name string, rps float64, burst int) (*Limiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("rate limit for %s must be > 0, got %v", name, rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		lim:      rate.NewLimiter(rate.Limit(rps), burst),
		name:     name,
		baseRate: rps,
	}, nil
}

// Acquire blocks until a token is available, respecting the context.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		telemetry.ObserveRateLimitDelay(l.name, delay)
	}
	return nil
}

// TryAcquire consumes a token if one is available right now.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	return lim.Allow()
}

// SetRate changes the admission rate. Raising or lowering the rate takes
// effect for callers already blocked in Acquire.
func (l *Limiter) SetRate(rps float64) error {
	if rps <= 0 {
		return fmt.Errorf("rate limit for %s must be > 0, got %v", l.name, rps)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim.SetLimit(rate.Limit(rps))
	if !l.boosted {
		l.baseRate = rps
	}
	return nil
}

// SetBurst changes the bucket capacity.
func (l *Limiter) SetBurst(n int) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim.SetBurst(n)
}

// Boost multiplies the rate by factor, capped at ceiling. The boosted rate
// never exceeds the absolute ceiling used for capacity planning.
func (l *Limiter) Boost(factor, ceiling float64) {
	if factor <= 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	boosted := l.baseRate * factor
	if ceiling > 0 && boosted > ceiling {
		boosted = ceiling
	}
	l.lim.SetLimit(rate.Limit(boosted))
	l.boosted = true
}

// Unboost restores the configured base rate.
func (l *Limiter) Unboost() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim.SetLimit(rate.Limit(l.baseRate))
	l.boosted = false
}

// Rate returns the currently configured admission rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.lim.Limit())
}
