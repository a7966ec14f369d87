package agent

import (
	"github.com/gatehouselabs/gatehouse/internal/engine"
	"github.com/gatehouselabs/gatehouse/internal/verify"
)

// EventKind tags loop events.
type EventKind string

const (
	// EventStarted opens every run.
	EventStarted EventKind = "started"
	// EventText carries a streamed text fragment.
	EventText EventKind = "text"
	// EventToolStart announces a tool about to execute.
	EventToolStart EventKind = "tool_start"
	// EventToolEnd carries a finished tool's result.
	EventToolEnd EventKind = "tool_end"
	// EventToolValidationError is a tool call rejected before execution:
	// unknown name, bad arguments, or a security policy denial. The loop
	// feeds the rejection back to the engine and keeps going.
	EventToolValidationError EventKind = "tool_validation_error"
	// EventComplete closes a successful run with the final answer.
	EventComplete EventKind = "complete"
	// EventError closes a failed or cancelled run.
	EventError EventKind = "error"
)

// Event is one item in a run's event stream. Kind selects which fields
// are meaningful: Delta for text, Tool/CallID/Args for tool_start,
// Tool/CallID/Result/IsError for tool_end, Tool/CallID/Err for
// tool_validation_error, Answer/Usage/Verification for complete, Err
// for error. RunID is set on every event.
type Event struct {
	Kind  EventKind
	RunID string

	Delta string

	Tool    string
	CallID  string
	Args    map[string]interface{}
	Result  string
	IsError bool

	Answer       string
	Usage        engine.Usage
	Verification *verify.Result

	Err error
}
