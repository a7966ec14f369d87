package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/convo"
)

// Stderr patterns that turn a non-zero exit into a specific error kind.
var (
	subprocessAuthPattern = regexp.MustCompile(`(?i)(invalid.?api.?key|unauthorized|authentication|not logged in|\b401\b)`)
	subprocessRatePattern = regexp.MustCompile(`(?i)(rate.?limit|too many requests|quota exceeded|\b429\b)`)
)

const (
	stderrCap   = 16 * 1024
	stdoutChunk = 4096
)

// SubprocessEngine drives a local agent CLI as the model backend. The
// request goes to stdin as one JSON line; the reply streams on stdout
// as free text with embedded <tool_call>{…}</tool_call> blocks.
// Steering writes additional lines to stdin while the child runs.
type SubprocessEngine struct {
	command string
	args    []string
}

func NewSubprocess(command string, args ...string) *SubprocessEngine {
	return &SubprocessEngine{command: command, args: args}
}

func (e *SubprocessEngine) Name() string { return "subprocess" }

// subprocessRequest is the stdin payload.
type subprocessRequest struct {
	Model    string           `json:"model,omitempty"`
	System   string           `json:"system,omitempty"`
	Messages []convo.Message  `json:"messages"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`
}

func (e *SubprocessEngine) Start(ctx context.Context, req Request) (Run, error) {
	payload, err := json.Marshal(subprocessRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("subprocess: marshal request: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, e.command, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr := &cappedBuffer{max: stderrCap}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("subprocess: start %s: %w", e.command, err)
	}

	// All stdin traffic funnels through one writer goroutine so a child
	// that never reads its stdin cannot wedge the stdout loop.
	w := newStdinWriter(stdin)
	w.send(append(payload, '\n'))

	r := newBaseRun(cancel)
	r.steer = func(text string) error {
		return w.send([]byte(text + "\n"))
	}

	go e.run(runCtx, r, cmd, w, stdout, stderr, convo.EstimateTokens(req.Messages))
	return r, nil
}

func (e *SubprocessEngine) run(ctx context.Context, r *baseRun, cmd *exec.Cmd, w *stdinWriter, stdout io.Reader, stderr *cappedBuffer, inputEstimate int) {
	defer close(r.events)

	started := r.emit(ctx, Event{Kind: KindStarted})

	var (
		answer  strings.Builder
		calls   []convo.ToolCall
		aborted bool
	)
	parser := newToolCallParser(
		func(text string) {
			answer.WriteString(text)
			if !r.emit(ctx, Event{Kind: KindTextDelta, Delta: text}) {
				aborted = true
			}
		},
		func(name string, args map[string]interface{}) {
			call := convo.ToolCall{
				ID:        fmt.Sprintf("call_%d", len(calls)+1),
				Name:      name,
				Arguments: args,
			}
			calls = append(calls, call)
			if !r.emit(ctx, Event{Kind: KindToolStart, Call: &call}) {
				aborted = true
			}
		},
	)

	var readErr error
	if started {
		buf := make([]byte, stdoutChunk)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				parser.Write(buf[:n])
				if aborted {
					break
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}
		if !aborted {
			parser.Close()
		}
	}

	w.close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		r.emit(ctx, Event{Kind: KindError, Err: ctx.Err()})
		return
	}

	if waitErr != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			code = ee.ExitCode()
		}
		errText := strings.TrimSpace(stderr.String())
		switch {
		case subprocessAuthPattern.MatchString(errText):
			r.emit(ctx, Event{Kind: KindError, Err: &AuthError{
				Engine:   e.command,
				Guidance: fmt.Sprintf("%s rejected the credentials; log in or set the API key and try again", e.command),
			}})
		case subprocessRatePattern.MatchString(errText):
			r.emit(ctx, Event{Kind: KindError, Err: &RateLimitError{
				Engine: e.command,
				Detail: firstLine(errText),
			}})
		default:
			r.emit(ctx, Event{Kind: KindError, Err: &ExitError{Code: code, Stderr: truncate(errText, 500)}})
		}
		return
	}

	if readErr != nil {
		r.emit(ctx, Event{Kind: KindError, Err: fmt.Errorf("subprocess: read stdout: %w", readErr)})
		return
	}

	// No token accounting from a CLI; estimate with the context heuristic.
	usage := Usage{
		Input:  inputEstimate,
		Output: convo.EstimateTokens([]convo.Message{{Role: convo.RoleAssistant, Content: answer.String()}}),
	}
	r.emit(ctx, Event{Kind: KindCompleted, Answer: answer.String(), Calls: calls, Usage: usage})
}

// stdinWriter serialises writes to the child's stdin. Sends never
// block: a full backlog (child not reading) errors instead.
type stdinWriter struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newStdinWriter(stdin io.WriteCloser) *stdinWriter {
	w := &stdinWriter{ch: make(chan []byte, 8)}
	go func() {
		for data := range w.ch {
			// A dead child turns writes into EPIPE; keep draining so
			// senders never block.
			stdin.Write(data)
		}
		stdin.Close()
	}()
	return w
}

func (w *stdinWriter) send(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("subprocess: run finished")
	}
	select {
	case w.ch <- p:
		return nil
	default:
		return errors.New("subprocess: stdin backlog full")
	}
}

func (w *stdinWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
