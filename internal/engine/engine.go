package engine

import (
	"context"
	"errors"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

// ErrSteerUnsupported is returned by Steer on engines that cannot
// accept input mid-run; callers fall back to steering the context
// between iterations.
var ErrSteerUnsupported = errors.New("engine: steering not supported")

// ToolDescriptor describes one callable tool to the engine.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one turn's worth of engine input: the model, the system
// prompt, the conversation so far, and the tools the model may call.
type Request struct {
	Model     string
	System    string
	Messages  []convo.Message
	Tools     []ToolDescriptor
	MaxTokens int // 0 = engine default
}

// Usage counts tokens for one engine call.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Kind tags engine events.
type Kind string

const (
	KindStarted   Kind = "started"
	KindTextDelta Kind = "text_delta"
	KindToolStart Kind = "tool_start"
	KindCompleted Kind = "completed"
	KindError     Kind = "error"
)

// Event is one item in a run's event stream. Kind selects which fields
// are meaningful: Delta for text_delta, Call for tool_start, Answer /
// Calls / Usage for completed, Err for error.
type Event struct {
	Kind   Kind
	Delta  string
	Call   *convo.ToolCall
	Answer string
	Calls  []convo.ToolCall
	Usage  Usage
	Err    error
}

// Run is one in-flight engine call. Events yields a finite stream
// ending with a completed or error event, after which the channel is
// closed. Cancel aborts the call; Steer injects text mid-run on
// engines that support it.
type Run interface {
	Events() <-chan Event
	Steer(text string) error
	Cancel()
}

// Engine starts runs against one model backend.
type Engine interface {
	Name() string
	Start(ctx context.Context, req Request) (Run, error)
}

// eventBuf is the run channel capacity. Sends block once the consumer
// falls this far behind, so the producer paces to the consumer.
const eventBuf = 64

// baseRun implements the Run plumbing shared by engine implementations.
type baseRun struct {
	events chan Event
	cancel context.CancelFunc
	steer  func(string) error // nil = unsupported
}

func newBaseRun(cancel context.CancelFunc) *baseRun {
	return &baseRun{events: make(chan Event, eventBuf), cancel: cancel}
}

func (r *baseRun) Events() <-chan Event { return r.events }

func (r *baseRun) Cancel() { r.cancel() }

func (r *baseRun) Steer(text string) error {
	if r.steer == nil {
		return ErrSteerUnsupported
	}
	return r.steer(text)
}

// emit delivers an event unless the run context is gone; a cancelled
// consumer must not wedge the producer goroutine.
func (r *baseRun) emit(ctx context.Context, ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
