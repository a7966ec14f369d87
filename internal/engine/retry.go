package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig shapes the backoff between retries of a failed call.
type RetryConfig struct {
	MaxRetries int           // attempts beyond the first
	BaseDelay  time.Duration // delay before the first retry
	Factor     float64       // multiplier per retry
	MaxDelay   time.Duration // backoff ceiling
	Jitter     float64       // ±fraction applied to each delay
}

// DefaultRetryConfig returns the standard engine retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		Factor:     2,
		MaxDelay:   5 * time.Second,
		Jitter:     0.2,
	}
}

// Backoff returns the delay before retry n (1-based), jittered.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Factor, float64(attempt-1))
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// RetryDo runs fn until it succeeds, returns a non-retryable error, or
// the retry budget is spent. A Retry-After hint on an HTTPError
// stretches the backoff for that round.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Backoff(attempt)
			var he *HTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > delay {
				delay = he.RetryAfter
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !Retryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}
