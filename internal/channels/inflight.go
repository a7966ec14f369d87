package channels

import (
	"context"
	"sync"
	"time"
)

// InflightTracker counts pipeline turns in progress so shutdown can
// wait for them to finish before tearing the agent stack down.
type InflightTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{} // closed while n == 0, replaced on first Inc
}

// NewInflightTracker starts at zero.
func NewInflightTracker() *InflightTracker {
	idle := make(chan struct{})
	close(idle)
	return &InflightTracker{idle: idle}
}

// Inc records a turn starting.
func (t *InflightTracker) Inc() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

// Dec records a turn finishing.
func (t *InflightTracker) Dec() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

// Count returns the number of turns in flight.
func (t *InflightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Drain waits until no turns are in flight, the timeout passes, or ctx
// is cancelled. Returns true when the tracker reached zero.
func (t *InflightTracker) Drain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		t.mu.Lock()
		idle := t.idle
		n := t.n
		t.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-idle:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
