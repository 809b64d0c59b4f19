package pool

import "time"

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.BackoffBase <= 0 {
		r.BackoffBase = time.Second
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = 5 * time.Minute
	}
	return r
}

// Delay returns the backoff before the next attempt: base * 2^attempts,
// capped at the maximum.
func (r RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := r.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.BackoffMax {
			return r.BackoffMax
		}
	}
	if d > r.BackoffMax {
		return r.BackoffMax
	}
	return d
}

// Exhausted reports whether an attempt count has used up the retry budget.
func (r RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= r.MaxAttempts
}
