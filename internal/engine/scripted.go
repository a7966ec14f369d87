package engine

import (
	"context"
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

// ScriptedEngine replays canned event sequences: Start call N plays
// script N, and the last script repeats once calls outnumber scripts.
// Runs reject mid-run steering unless AllowSteering is called. Backs
// the loop and verifier tests.
type ScriptedEngine struct {
	mu        sync.Mutex
	scripts   [][]Event
	steerable bool
	calls     int
	requests  []Request
	steered   []string
}

func NewScripted(scripts ...[]Event) *ScriptedEngine {
	return &ScriptedEngine{scripts: scripts}
}

func (e *ScriptedEngine) Name() string { return "scripted" }

func (e *ScriptedEngine) Start(ctx context.Context, req Request) (Run, error) {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	e.requests = append(e.requests, req)
	var script []Event
	if len(e.scripts) > 0 {
		if idx >= len(e.scripts) {
			idx = len(e.scripts) - 1
		}
		script = e.scripts[idx]
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r := newBaseRun(cancel)
	r.steer = func(text string) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.steerable {
			return ErrSteerUnsupported
		}
		e.steered = append(e.steered, text)
		return nil
	}

	go func() {
		defer close(r.events)
		for _, ev := range script {
			if !r.emit(runCtx, ev) {
				return
			}
		}
	}()
	return r, nil
}

// AllowSteering makes runs accept mid-run input, recorded via Steered.
func (e *ScriptedEngine) AllowSteering() {
	e.mu.Lock()
	e.steerable = true
	e.mu.Unlock()
}

// Calls reports how many runs were started.
func (e *ScriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Requests returns a copy of every recorded request, in order.
func (e *ScriptedEngine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// Steered returns the steering inputs received mid-run.
func (e *ScriptedEngine) Steered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.steered...)
}

// TextTurn scripts a plain text reply.
func TextTurn(answer string, usage Usage) []Event {
	return []Event{
		{Kind: KindStarted},
		{Kind: KindTextDelta, Delta: answer},
		{Kind: KindCompleted, Answer: answer, Usage: usage},
	}
}

// ToolTurn scripts a round that requests the given tool calls.
func ToolTurn(calls ...convo.ToolCall) []Event {
	evs := []Event{{Kind: KindStarted}}
	for i := range calls {
		call := calls[i]
		evs = append(evs, Event{Kind: KindToolStart, Call: &call})
	}
	return append(evs, Event{Kind: KindCompleted, Calls: calls})
}

// ErrorTurn scripts a run that fails with err.
func ErrorTurn(err error) []Event {
	return []Event{
		{Kind: KindStarted},
		{Kind: KindError, Err: err},
	}
}
