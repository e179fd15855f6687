package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff: initial delay, multiplier,
// and a cap, applied with +/-10% jitter so concurrently retrying
// workflows don't thunder in lockstep.
type RetryConfig struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultRetryConfig returns the default 1s/x2/60s, 3-attempt policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 1 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
		MaxAttempts:    3,
	}
}

// BackoffForAttempt returns the delay to wait before the given 1-indexed
// retry attempt, capped at MaxBackoff and jittered by up to 10%.
func (c RetryConfig) BackoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d > float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(d * jitter)
}

// Retry calls fn up to cfg.MaxAttempts times, sleeping the computed
// backoff between attempts, returning as soon as fn succeeds or ctx is
// cancelled. It returns the last error if every attempt fails.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.BackoffForAttempt(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
