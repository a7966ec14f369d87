package channels

import (
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// Rate limiter defaults: 20 messages per user per minute.
const (
	DefaultRateLimit  = 20
	DefaultRateWindow = 60 * time.Second

	// maxTrackedKeys caps tracked keys so rotating sender ids cannot
	// grow the map without bound.
	maxTrackedKeys = 4096
)

// RateKey builds the per-user limiter key for an inbound message.
func RateKey(msg bus.InboundMessage) string {
	user := msg.From.UserID
	if user == "" {
		user = "anonymous"
	}
	return msg.ChannelID + ":" + user
}

// RateLimiter is a sliding-window per-key message limiter. Safe for
// concurrent use.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter creates a limiter; non-positive parameters fall back
// to the defaults (20 per 60 s).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a hit for key and reports whether it is within the
// window limit. The hit that overflows the limit is rejected and not
// recorded.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if now.Sub(t) < r.window {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.hits[key] = recent
		return false
	}

	if len(r.hits) >= maxTrackedKeys {
		r.evictStaleLocked(now)
	}
	r.hits[key] = append(recent, now)
	return true
}

func (r *RateLimiter) evictStaleLocked(now time.Time) {
	for k, ts := range r.hits {
		if len(ts) == 0 || now.Sub(ts[len(ts)-1]) >= r.window {
			delete(r.hits, k)
		}
	}
	for len(r.hits) >= maxTrackedKeys {
		for k := range r.hits {
			delete(r.hits, k)
			break
		}
	}
}
