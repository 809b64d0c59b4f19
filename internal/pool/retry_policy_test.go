package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: 5 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: -1, want: time.Second},
		{attempts: 0, want: time.Second},
		{attempts: 1, want: 2 * time.Second},
		{attempts: 2, want: 4 * time.Second},
		{attempts: 3, want: 5 * time.Second},
		{attempts: 10, want: 5 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Delay(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3}
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(4))
}
