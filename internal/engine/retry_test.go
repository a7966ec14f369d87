package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// TestRetryable_Classification verifies the error taxonomy: transport
// trouble and 5xx/429 retry, auth and validation failures do not.
func TestRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"permanent wrapper", Permanent(errors.New("boom")), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"HTTP 500", &HTTPError{Status: 500}, true},
		{"HTTP 503", &HTTPError{Status: 503}, true},
		{"HTTP 429", &HTTPError{Status: 429}, true},
		{"HTTP 401", &HTTPError{Status: 401}, false},
		{"HTTP 403", &HTTPError{Status: 403}, false},
		{"HTTP 400", &HTTPError{Status: 400}, false},
		{"HTTP 422", &HTTPError{Status: 422}, false},
		{"auth", &AuthError{Engine: "x"}, false},
		{"rate limit", &RateLimitError{Engine: "x"}, false},
		{"subprocess exit", &ExitError{Code: 3}, true},
		{"unexpected EOF", io.ErrUnexpectedEOF, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"wrapped 503", fmt.Errorf("call failed: %w", &HTTPError{Status: 503}), true},
		{"wrapped 401", fmt.Errorf("call failed: %w", &HTTPError{Status: 401}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestRetryDo_SucceedsAfterTransientFailures verifies retries happen
// and the first success wins.
func TestRetryDo_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	got, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestRetryDo_StopsOnNonRetryable verifies a non-retryable error is
// returned after a single attempt.
func TestRetryDo_StopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 401}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// TestRetryDo_BudgetExhausted verifies the last error surfaces once
// MaxRetries is spent.
func TestRetryDo_BudgetExhausted(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 500}
	})
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v, want HTTP 500", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (first try + 2 retries)", attempts)
	}
}

// TestRetryDo_CancelledDuringBackoff verifies cancellation wins over
// the backoff sleep.
func TestRetryDo_CancelledDuringBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Hour, Factor: 2, MaxDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// TestBackoff_GrowthAndCap verifies the exponential schedule with the
// 5s ceiling, jitter disabled.
func TestBackoff_GrowthAndCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 200 * time.Millisecond, Factor: 2, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{6, 5 * time.Second}, // 6.4s capped
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestBackoff_JitterBounds verifies ±20% jitter stays inside its band.
func TestBackoff_JitterBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	lo := time.Duration(float64(cfg.BaseDelay) * 0.8)
	hi := time.Duration(float64(cfg.BaseDelay) * 1.2)

	for i := 0; i < 200; i++ {
		if got := cfg.Backoff(1); got < lo || got > hi {
			t.Fatalf("Backoff(1) = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}

// TestParseRetryAfter covers delta-seconds, HTTP dates, and junk.
func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("5"); got != 5*time.Second {
		t.Errorf("ParseRetryAfter(5) = %v, want 5s", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter('') = %v, want 0", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("ParseRetryAfter(soon) = %v, want 0", got)
	}
	if got := ParseRetryAfter("-3"); got != 0 {
		t.Errorf("ParseRetryAfter(-3) = %v, want 0", got)
	}

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 10*time.Second {
		t.Errorf("ParseRetryAfter(date) = %v, want (0, 10s]", got)
	}
}

// TestRetryDo_HonoursRetryAfterHint verifies a Retry-After longer than
// the backoff stretches the wait.
func TestRetryDo_HonoursRetryAfterHint(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond}

	start := time.Now()
	attempts := 0
	RetryDo(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, &HTTPError{Status: 429, RetryAfter: 50 * time.Millisecond}
	})
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 50ms (Retry-After hint)", elapsed)
	}
}
