package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-2xx response from a metered engine API.
// RetryAfter carries the server's Retry-After hint when present.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("engine: HTTP %d: %s", e.Status, e.Body)
}

// AuthError means the engine rejected our credentials. Guidance is
// user-facing (which env var or config key to fix).
type AuthError struct {
	Engine   string
	Guidance string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("engine %s: authentication failed: %s", e.Engine, e.Guidance)
}

// RateLimitError means a metered engine is throttling us. Surfaced to
// the user rather than retried.
type RateLimitError struct {
	Engine string
	Detail string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("engine %s: rate limited: %s", e.Engine, e.Detail)
}

// ExitError is a subprocess engine exiting non-zero with no recognised
// failure pattern on stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("engine: subprocess exited with code %d: %s", e.Code, e.Stderr)
}

// permanentError pins an otherwise-ambiguous error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable classifies an engine error: network trouble, 5xx, and 429
// are worth another attempt; auth and validation failures are not, and
// neither is cancellation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return false
	}
	var xe *ExitError
	if errors.As(err, &xe) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ParseRetryAfter reads a Retry-After header value, either delta
// seconds or an HTTP date. Zero when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
