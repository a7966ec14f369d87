package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// Supervisor defaults.
const (
	DefaultMaxRestarts   = 5
	DefaultRestartWindow = 60 * time.Second
)

// Child is one supervised unit. Run blocks until the child exits: a
// nil return is a clean exit, an error or a panic is a crash. Shutdown
// is invoked on supervisor stop, in reverse add order.
type Child struct {
	ID       string
	Run      func(ctx context.Context) error
	Shutdown func(ctx context.Context) error
}

// CrashInfo is the payload of child crash and restart events.
type CrashInfo struct {
	ChildID string `json:"childId"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Supervisor runs children one-for-one: each crash restarts only the
// crashed child, until its crash count inside the sliding window
// exceeds maxRestarts, after which the child stays down.
type Supervisor struct {
	maxRestarts int
	window      time.Duration
	events      bus.EventPublisher
	now         func() time.Time

	mu       sync.Mutex
	children []Child
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	crashes  map[string][]time.Time
	disabled map[string]bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor. Non-positive parameters fall
// back to the defaults (5 restarts per 60 s).
func NewSupervisor(maxRestarts int, window time.Duration, events bus.EventPublisher) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &Supervisor{
		maxRestarts: maxRestarts,
		window:      window,
		events:      events,
		now:         time.Now,
		crashes:     make(map[string][]time.Time),
		disabled:    make(map[string]bool),
	}
}

// AddChild registers a child. When the supervisor is already running
// the child is spawned immediately.
func (s *Supervisor) AddChild(c Child) {
	s.mu.Lock()
	s.children = append(s.children, c)
	running := s.running
	s.mu.Unlock()
	if running {
		s.spawn(c)
	}
}

// Start spawns all registered children.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	children := append([]Child(nil), s.children...)
	s.mu.Unlock()

	for _, c := range children {
		s.spawn(c)
	}
	slog.Info("supervisor.started", "children", len(children))
}

// Stop shuts children down in reverse add order and waits for their
// run functions to return.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	children := append([]Child(nil), s.children...)
	s.mu.Unlock()

	cancel()
	for i := len(children) - 1; i >= 0; i-- {
		if children[i].Shutdown == nil {
			continue
		}
		if err := children[i].Shutdown(ctx); err != nil {
			slog.Warn("supervisor.child_shutdown_failed", "child", children[i].ID, "error", err)
		}
	}
	s.wg.Wait()
	slog.Info("supervisor.stopped")
}

func (s *Supervisor) spawn(c Child) {
	s.mu.Lock()
	if !s.running || s.disabled[c.ID] {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := runChild(ctx, c)
		if ctx.Err() != nil || err == nil {
			return
		}
		s.onCrash(c, err)
	}()
}

// runChild converts a panic in the child into an error return.
func runChild(ctx context.Context, c Child) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Run(ctx)
}

func (s *Supervisor) onCrash(c Child, cause error) {
	s.broadcast(bus.EventChildCrashed, CrashInfo{ChildID: c.ID, Error: cause.Error()})
	slog.Warn("supervisor.child_crashed", "child", c.ID, "error", cause)

	s.mu.Lock()
	now := s.now()
	recent := append(s.crashes[c.ID], now)
	pruned := recent[:0]
	for _, t := range recent {
		if now.Sub(t) < s.window {
			pruned = append(pruned, t)
		}
	}
	s.crashes[c.ID] = pruned
	attempt := len(pruned)
	exceeded := attempt > s.maxRestarts
	if exceeded {
		s.disabled[c.ID] = true
	}
	s.mu.Unlock()

	if exceeded {
		s.broadcast(bus.EventMaxRestartsExceeded, CrashInfo{ChildID: c.ID, Attempt: attempt})
		slog.Error("supervisor.max_restarts_exceeded", "child", c.ID, "crashes", attempt, "window", s.window)
		return
	}

	s.broadcast(bus.EventChildRestarted, CrashInfo{ChildID: c.ID, Attempt: attempt})
	slog.Info("supervisor.child_restarted", "child", c.ID, "attempt", attempt)
	s.spawn(c)
}

func (s *Supervisor) broadcast(name string, payload interface{}) {
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}
