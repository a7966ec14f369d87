// Package agent runs the tool-use loop: it feeds the conversation to
// an engine, executes the tool calls the engine asks for, and repeats
// until the engine answers in plain text or the iteration cap trips.
// Progress streams to the caller as a finite event channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouselabs/gatehouse/internal/convo"
	"github.com/gatehouselabs/gatehouse/internal/engine"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
	"github.com/gatehouselabs/gatehouse/internal/tools"
	"github.com/gatehouselabs/gatehouse/internal/tracing"
	"github.com/gatehouselabs/gatehouse/internal/verify"
)

// Loop states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// DefaultMaxIterations caps engine round-trips per run.
const DefaultMaxIterations = 20

// eventBuf is the loop event channel capacity; a slow consumer paces
// the loop rather than losing events.
const eventBuf = 64

// Config wires one Loop. Engine, Context, and Registry are required;
// everything else is optional.
type Config struct {
	Engine   engine.Engine
	Context  *convo.Context
	Registry *tools.Registry

	// Exclude hides tool names from this loop's runs.
	Exclude []string
	// Policy, when set, vetoes tool calls before execution.
	Policy *tools.Policy
	// Pool runs heavyweight tools off the loop goroutine.
	Pool *tools.WorkerPool

	// Sessions plus SessionID receive run metrics.
	Sessions  *sessions.Manager
	SessionID string

	// Verifier, when set, labels the final answer on the complete event.
	Verifier verify.Verifier

	Model         string
	MaxTokens     int
	MaxIterations int
	Retry         engine.RetryConfig

	// Snapshots enables before/after state capture for tools that
	// support it, feeding the verifier's state records.
	Snapshots bool
}

// Loop is one agent conversation's executor. A Loop may be reused for
// consecutive runs but never runs concurrently; callers hold the
// context's run slot around Run.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	state   string
	pending []string   // queued steering text
	current engine.Run // in-flight engine run, for mid-call steering
}

// New builds a Loop, filling unset config fields with defaults.
func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Retry == (engine.RetryConfig{}) {
		cfg.Retry = engine.DefaultRetryConfig()
	}
	return &Loop{cfg: cfg, state: StateIdle}
}

// State reports the loop's current lifecycle state.
func (l *Loop) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Steer delivers text into the active run. An in-flight engine call
// that supports mid-run input gets it directly; otherwise the text is
// queued and injected as a user message before the next iteration.
// Fails when no run is active.
func (l *Loop) Steer(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return fmt.Errorf("agent: no active run to steer")
	}
	if l.current != nil {
		err := l.current.Steer(text)
		if err == nil {
			// The engine took the text mid-run; queueing it as well
			// would hand it over twice.
			return nil
		}
		if !errors.Is(err, engine.ErrSteerUnsupported) {
			slog.Warn("agent.steer_forward_failed", "error", err)
		}
	}
	l.pending = append(l.pending, text)
	return nil
}

// Run starts one agent turn for the user's text and returns its event
// stream. The stream always opens with started and closes after a
// single complete or error event.
func (l *Loop) Run(ctx context.Context, text string, images []convo.ImageContent) <-chan Event {
	out := make(chan Event, eventBuf)
	go l.run(ctx, text, images, out)
	return out
}

func (l *Loop) run(ctx context.Context, task string, images []convo.ImageContent, out chan<- Event) {
	defer close(out)

	runID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, "agent.run",
		"run.id", runID,
		"engine", l.cfg.Engine.Name(),
		"session.id", l.cfg.SessionID)
	defer span.End()

	l.setState(StateRunning)
	l.emit(ctx, out, Event{Kind: EventStarted, RunID: runID})
	l.cfg.Context.AddMessage(convo.Message{Role: convo.RoleUser, Content: task, Images: images})

	active := l.cfg.Registry.Filtered(l.cfg.Exclude)
	byName := make(map[string]tools.Tool, len(active))
	descriptors := make([]engine.ToolDescriptor, 0, len(active))
	for _, t := range active {
		byName[t.Name()] = t
		descriptors = append(descriptors, engine.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	var (
		meta    sessions.Metadata
		stats   verify.ToolStats
		records []verify.StateRecord
		total   engine.Usage
	)
	finish := func(state string, ev Event) {
		ev.RunID = runID
		if ev.Kind == EventError {
			meta.Errors++
			tracing.RecordError(span, ev.Err)
		}
		l.accumulate(meta)
		l.emit(ctx, out, ev)
		l.setState(state)
	}

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			finish(StateCancelled, Event{Kind: EventError, Err: err})
			return
		}
		l.drainSteering()
		if iteration >= l.cfg.MaxIterations {
			finish(StateFailed, Event{Kind: EventError,
				Err: fmt.Errorf("agent: maximum iterations (%d) exceeded", l.cfg.MaxIterations)})
			return
		}
		meta.LoopIterations++

		answer, calls, usage, llmCalls, err := l.callEngine(ctx, runID, descriptors, out)
		meta.LLMCalls += llmCalls
		if err != nil {
			state := StateFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				state = StateCancelled
			}
			finish(state, Event{Kind: EventError, Err: err})
			return
		}
		total.Input += usage.Input
		total.Output += usage.Output
		l.cfg.Context.AddMessage(convo.Message{
			Role:      convo.RoleAssistant,
			Content:   answer,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			var verification *verify.Result
			if l.cfg.Verifier != nil {
				v := l.cfg.Verifier.Verify(ctx, verify.Input{
					Task:    task,
					Answer:  answer,
					Stats:   stats,
					Records: records,
				})
				verification = &v
			}
			slog.Info("agent.run_completed",
				"run_id", runID,
				"iterations", meta.LoopIterations,
				"tool_invocations", meta.ToolInvocations,
				"tokens_in", total.Input,
				"tokens_out", total.Output)
			finish(StateCompleted, Event{
				Kind:         EventComplete,
				Answer:       answer,
				Usage:        total,
				Verification: verification,
			})
			return
		}

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				finish(StateCancelled, Event{Kind: EventError, Err: err})
				return
			}
			l.invokeTool(ctx, runID, byName, call, out, &meta, &stats, &records)
		}
	}
}

// callEngine runs one engine round, retrying retryable failures with
// backoff. It returns the round's answer, tool calls, usage, and how
// many engine calls were made.
func (l *Loop) callEngine(ctx context.Context, runID string, descriptors []engine.ToolDescriptor, out chan<- Event) (string, []convo.ToolCall, engine.Usage, int, error) {
	var lastErr error
	llmCalls := 0

	for attempt := 0; attempt <= l.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.cfg.Retry.Backoff(attempt)
			var he *engine.HTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > delay {
				delay = he.RetryAfter
			}
			slog.Warn("agent.engine_retry",
				"run_id", runID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", nil, engine.Usage{}, llmCalls, ctx.Err()
			case <-time.After(delay):
			}
		}

		llmCalls++
		answer, calls, usage, err := l.engineRound(ctx, runID, descriptors, out)
		if err == nil {
			return answer, calls, usage, llmCalls, nil
		}
		lastErr = err
		if !engine.Retryable(err) {
			return "", nil, engine.Usage{}, llmCalls, err
		}
		// A generic non-zero subprocess exit gets a single retry; it is
		// far more likely a broken invocation than a transient fault.
		var xe *engine.ExitError
		if errors.As(err, &xe) && attempt >= 1 {
			return "", nil, engine.Usage{}, llmCalls, err
		}
	}
	return "", nil, engine.Usage{}, llmCalls, lastErr
}

func (l *Loop) engineRound(ctx context.Context, runID string, descriptors []engine.ToolDescriptor, out chan<- Event) (string, []convo.ToolCall, engine.Usage, error) {
	run, err := l.cfg.Engine.Start(ctx, engine.Request{
		Model:     l.cfg.Model,
		Messages:  l.cfg.Context.Messages(),
		Tools:     descriptors,
		MaxTokens: l.cfg.MaxTokens,
	})
	if err != nil {
		return "", nil, engine.Usage{}, err
	}

	l.mu.Lock()
	l.current = run
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
	}()

	var (
		answer string
		calls  []convo.ToolCall
		usage  engine.Usage
		done   bool
	)
	for ev := range run.Events() {
		switch ev.Kind {
		case engine.KindTextDelta:
			answer += ev.Delta
			l.emit(ctx, out, Event{Kind: EventText, RunID: runID, Delta: ev.Delta})
		case engine.KindCompleted:
			if ev.Answer != "" {
				answer = ev.Answer
			}
			calls = ev.Calls
			usage = ev.Usage
			done = true
		case engine.KindError:
			run.Cancel()
			return "", nil, engine.Usage{}, ev.Err
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return "", nil, engine.Usage{}, err
		}
		return "", nil, engine.Usage{}, fmt.Errorf("agent: engine stream ended without completion")
	}
	return answer, calls, usage, nil
}

// invokeTool validates, executes, and records one tool call. Failures
// become synthesized tool results so the engine can react instead of
// the run dying.
func (l *Loop) invokeTool(ctx context.Context, runID string, byName map[string]tools.Tool, call convo.ToolCall, out chan<- Event, meta *sessions.Metadata, stats *verify.ToolStats, records *[]verify.StateRecord) {
	reject := func(err error, content string) {
		meta.Errors++
		stats.Errors++
		l.emit(ctx, out, Event{
			Kind:   EventToolValidationError,
			RunID:  runID,
			Tool:   call.Name,
			CallID: call.ID,
			Err:    err,
		})
		l.cfg.Context.AddMessage(convo.Message{
			Role:       convo.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}

	tool, ok := byName[call.Name]
	if !ok {
		reject(fmt.Errorf("unknown tool %q", call.Name),
			fmt.Sprintf("Error: unknown tool %q", call.Name))
		return
	}
	if err := tool.Validate(call.Arguments); err != nil {
		reject(err, fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err))
		return
	}
	if l.cfg.Policy != nil {
		if err := l.cfg.Policy.CheckTool(call.Name); err != nil {
			reject(err, fmt.Sprintf("Error: %v", err))
			return
		}
	}

	var before string
	snap, snapOK := tool.(tools.Snapshotter)
	if l.cfg.Snapshots && snapOK {
		if s, err := snap.StateSnapshot(ctx, call.Arguments); err == nil {
			before = s
		}
	}

	l.emit(ctx, out, Event{
		Kind:   EventToolStart,
		RunID:  runID,
		Tool:   call.Name,
		CallID: call.ID,
		Args:   call.Arguments,
	})
	started := time.Now()
	res := l.execute(ctx, tool, call.Arguments)
	slog.Debug("agent.tool_executed",
		"run_id", runID,
		"tool", call.Name,
		"duration", time.Since(started),
		"is_error", res.IsError)

	if l.cfg.Snapshots && snapOK {
		after := ""
		if s, err := snap.StateSnapshot(ctx, call.Arguments); err == nil {
			after = s
		}
		*records = append(*records, verify.StateRecord{
			Tool:   call.Name,
			Before: before,
			After:  after,
		})
	}

	meta.ToolInvocations++
	stats.Invocations++
	if res.IsError {
		meta.Errors++
		stats.Errors++
	}
	l.emit(ctx, out, Event{
		Kind:    EventToolEnd,
		RunID:   runID,
		Tool:    call.Name,
		CallID:  call.ID,
		Result:  res.ForLLM,
		IsError: res.IsError,
	})
	l.cfg.Context.AddMessage(convo.Message{
		Role:       convo.RoleTool,
		Content:    res.ForLLM,
		ToolCallID: call.ID,
	})
}

// execute dispatches a validated call, routing heavyweight tools
// through the worker pool when one is wired.
func (l *Loop) execute(ctx context.Context, tool tools.Tool, args map[string]interface{}) *tools.Result {
	heavy, ok := tool.(tools.Heavy)
	if ok && heavy.Heavyweight() && l.cfg.Pool != nil {
		res, err := l.cfg.Pool.Submit(ctx, func(ctx context.Context) *tools.Result {
			return tool.Execute(ctx, args)
		})
		if errors.Is(err, tools.ErrPoolBusy) {
			return tools.ErrorResult("tool execution queue is full, try again shortly")
		}
		if err != nil {
			return tools.ErrorResult(err.Error())
		}
		return res
	}
	return tool.Execute(ctx, args)
}

func (l *Loop) drainSteering() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, text := range pending {
		l.cfg.Context.AddMessage(convo.Message{Role: convo.RoleUser, Content: text})
	}
}

func (l *Loop) setState(state string) {
	l.mu.Lock()
	l.state = state
	if state != StateRunning {
		l.pending = nil
	}
	l.mu.Unlock()
}

func (l *Loop) accumulate(meta sessions.Metadata) {
	if l.cfg.Sessions != nil && l.cfg.SessionID != "" {
		l.cfg.Sessions.AccumulateMetrics(l.cfg.SessionID, meta)
	}
}

// emit delivers ev unless the consumer is gone. The buffered fast path
// keeps terminal events deliverable after cancellation.
func (l *Loop) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
		return
	default:
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
