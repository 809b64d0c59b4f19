package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Distributed is a Redis-backed token bucket shared by every process that
// points at the same key, so a fleet of workers honors one external quota.
// When Redis is unreachable the gate falls back to a local Limiter rather
// than stalling the stage.
type Distributed struct {
	rdb      redis.UniversalClient
	script   *redis.Script
	key      string
	burst    int
	timeout  time.Duration
	fallback *Limiter

	mu       sync.Mutex
	rate     float64
	baseRate float64
	boosted  bool
}

// DistributedConfig configures a Distributed gate.
type DistributedConfig struct {
	Key     string
	RPS     float64
	Burst   int
	Timeout time.Duration
}

// tryConsumeScript atomically refills and consumes the shared bucket.
// Returns {allowed, delay_seconds}.
const tryConsumeScript = `
local tokens_key = KEYS[1]
local last_key = KEYS[2]

local requested = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local capacity = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', tokens_key) or capacity)
local last_refill = tonumber(redis.call('GET', last_key) or now)

local elapsed = math.max(0, now - last_refill)
local new_tokens = math.min(capacity, tokens + elapsed * rate)

if new_tokens >= requested then
    new_tokens = new_tokens - requested
    redis.call('SET', tokens_key, tostring(new_tokens))
    redis.call('SET', last_key, tostring(now))
    return {1, "0"}
end

local needed = requested - new_tokens
redis.call('SET', tokens_key, tostring(new_tokens))
redis.call('SET', last_key, tostring(now))
return {0, tostring(needed / rate)}
`

// NewDistributed creates a Redis-backed gate.
func NewDistributed(rdb redis.UniversalClient, cfg DistributedConfig) (*Distributed, error) {
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("rate limit for %s must be > 0, got %v", cfg.Key, cfg.RPS)
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("distributed limiter key is required")
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	fallback, err := New(cfg.Key+":fallback", cfg.RPS, burst)
	if err != nil {
		return nil, err
	}
	return &Distributed{
		rdb:      rdb,
		script:   redis.NewScript(tryConsumeScript),
		key:      cfg.Key,
		rate:     cfg.RPS,
		baseRate: cfg.RPS,
		burst:    burst,
		timeout:  timeout,
		fallback: fallback,
	}, nil
}

// Acquire blocks until the shared bucket admits one operation.
func (d *Distributed) Acquire(ctx context.Context) error {
	for {
		allowed, delay, err := d.reserve(ctx)
		if err != nil {
			return d.fallback.Acquire(ctx)
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
	}
}

// TryAcquire consumes a shared token if one is available right now.
func (d *Distributed) TryAcquire() bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	allowed, _, err := d.reserve(ctx)
	if err != nil {
		return d.fallback.TryAcquire()
	}
	return allowed
}

// SetRate reconfigures the shared rate. The new rate applies to this process
// immediately and to others on their next refill.
func (d *Distributed) SetRate(rps float64) error {
	if rps <= 0 {
		return fmt.Errorf("rate limit for %s must be > 0, got %v", d.key, rps)
	}
	d.mu.Lock()
	d.rate = rps
	if !d.boosted {
		d.baseRate = rps
	}
	d.mu.Unlock()
	return d.fallback.SetRate(rps)
}

// Boost multiplies the base rate by factor, capped at ceiling.
func (d *Distributed) Boost(factor, ceiling float64) {
	if factor <= 1 {
		return
	}
	d.mu.Lock()
	boosted := d.baseRate * factor
	if ceiling > 0 && boosted > ceiling {
		boosted = ceiling
	}
	d.rate = boosted
	d.boosted = true
	d.mu.Unlock()
	d.fallback.Boost(factor, ceiling)
}

// Unboost restores the configured base rate.
func (d *Distributed) Unboost() {
	d.mu.Lock()
	d.rate = d.baseRate
	d.boosted = false
	d.mu.Unlock()
	d.fallback.Unboost()
}

// Rate returns the currently configured admission rate.
func (d *Distributed) Rate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

func (d *Distributed) reserve(ctx context.Context) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.mu.Lock()
	currentRate := d.rate
	d.mu.Unlock()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := d.script.Run(ctx, d.rdb,
		[]string{d.key + ":tokens", d.key + ":last"},
		1, now, currentRate, d.burst,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis token bucket: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis token bucket: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	delayStr, _ := vals[1].(string)
	delaySec, _ := strconv.ParseFloat(delayStr, 64)
	return allowed == 1, time.Duration(delaySec * float64(time.Second)), nil
}
