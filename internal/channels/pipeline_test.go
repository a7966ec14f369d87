package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/agent"
	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/convo"
	"github.com/gatehouselabs/gatehouse/internal/engine"
	"github.com/gatehouselabs/gatehouse/internal/routing"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
	"github.com/gatehouselabs/gatehouse/internal/tools"
)

// fakeChannel records outbound sends for assertions.
type fakeChannel struct {
	id string

	mu      sync.Mutex
	handler func(bus.InboundMessage)
	sent    []bus.OutboundMessage
}

func (c *fakeChannel) ID() string                      { return c.id }
func (c *fakeChannel) Start(context.Context) error     { return nil }
func (c *fakeChannel) Stop(context.Context) error      { return nil }
func (c *fakeChannel) Healthy() bool                   { return true }
func (c *fakeChannel) OnMessage(h func(bus.InboundMessage)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}
func (c *fakeChannel) Send(_ context.Context, _ string, msg bus.OutboundMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) messages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

// pipelineTool is a minimal registrable tool.
type pipelineTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (t *pipelineTool) Name() string        { return t.name }
func (t *pipelineTool) Description() string { return "test tool" }
func (t *pipelineTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *pipelineTool) Validate(map[string]interface{}) error { return nil }
func (t *pipelineTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return tools.NewResult("ok")
}

func newTestPipeline(t *testing.T, eng engine.Engine, reg *tools.Registry, mutate func(*PipelineDeps)) (*Pipeline, *fakeChannel) {
	t.Helper()
	cfg := config.Default()
	deps := PipelineDeps{
		Config:   cfg,
		Bus:      bus.New(),
		Agents:   agent.NewRouter(cfg.Routing, "You are a test assistant."),
		Contexts: routing.NewContextRegistry(convo.Options{}),
		Sessions: sessions.NewManager(sessions.Config{}),
		Registry: reg,
		Engine:   eng,
	}
	deps.Router = routing.NewRouter(deps.Sessions)
	if mutate != nil {
		mutate(&deps)
	}
	p := NewPipeline(deps)
	ch := &fakeChannel{id: "test"}
	p.RegisterChannel(ch)
	return p, ch
}

func inbound(text string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:        "m1",
		ChannelID: "test",
		From:      bus.Sender{ChannelID: "test", UserID: "alice"},
		Text:      text,
		Timestamp: time.Now(),
	}
}

// TestPipelineDeliversReply verifies a full turn: inbound message in,
// sanitized engine answer out through the originating channel.
func TestPipelineDeliversReply(t *testing.T) {
	eng := engine.NewScripted(engine.TextTurn("<thinking>hm</thinking>All good.", engine.Usage{}))
	p, ch := newTestPipeline(t, eng, tools.NewRegistry(), nil)

	p.Handle(context.Background(), inbound("status?"))

	got := ch.messages()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
	if got[0].Text != "All good." {
		t.Errorf("reply = %q, want sanitized %q", got[0].Text, "All good.")
	}
	if got[0].Recipient != "alice" {
		t.Errorf("recipient = %q, want %q", got[0].Recipient, "alice")
	}
}

// TestPipelineDropsEmptyMessage verifies blank text with no audio is
// dropped before any engine call.
func TestPipelineDropsEmptyMessage(t *testing.T) {
	eng := engine.NewScripted(engine.TextTurn("unreachable", engine.Usage{}))
	p, ch := newTestPipeline(t, eng, tools.NewRegistry(), nil)

	p.Handle(context.Background(), inbound("   "))

	if eng.Calls() != 0 {
		t.Errorf("engine calls = %d, want 0", eng.Calls())
	}
	if len(ch.messages()) != 0 {
		t.Errorf("sent %d messages, want 0", len(ch.messages()))
	}
}

// TestPipelineRateLimitBounce verifies excess messages bounce the
// fixed apology without reaching the engine.
func TestPipelineRateLimitBounce(t *testing.T) {
	eng := engine.NewScripted(engine.TextTurn("hi", engine.Usage{}))
	p, ch := newTestPipeline(t, eng, tools.NewRegistry(), func(deps *PipelineDeps) {
		deps.Limiter = NewRateLimiter(1, time.Minute)
	})

	p.Handle(context.Background(), inbound("one"))
	p.Handle(context.Background(), inbound("two"))

	got := ch.messages()
	if len(got) != 2 {
		t.Fatalf("sent %d messages, want reply + apology", len(got))
	}
	if got[1].Text != rateLimitApology {
		t.Errorf("bounce = %q, want the rate limit apology", got[1].Text)
	}
	if eng.Calls() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.Calls())
	}
}

// TestPipelineReadonlyHidesWriteTools verifies the readonly autonomy
// level strips write-class tools from what the engine sees.
func TestPipelineReadonlyHidesWriteTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&pipelineTool{name: "bash"})
	reg.Register(&pipelineTool{name: "web_fetch"})

	policy, err := tools.NewPolicy(config.AutonomyConfig{Level: "readonly"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	eng := engine.NewScripted(engine.TextTurn("done", engine.Usage{}))
	p, _ := newTestPipeline(t, eng, reg, func(deps *PipelineDeps) {
		deps.Policy = policy
	})

	p.Handle(context.Background(), inbound("look something up"))

	reqs := eng.Requests()
	if len(reqs) != 1 {
		t.Fatalf("engine requests = %d, want 1", len(reqs))
	}
	var names []string
	for _, d := range reqs[0].Tools {
		names = append(names, d.Name)
	}
	if len(names) != 1 || names[0] != "web_fetch" {
		t.Errorf("visible tools = %v, want [web_fetch]", names)
	}
}

// TestPipelinePermissionSteering verifies a message arriving while the
// run shows a permission prompt is steered into the run instead of
// starting a new one.
func TestPipelinePermissionSteering(t *testing.T) {
	release := make(chan struct{})
	reg := tools.NewRegistry()
	reg.Register(&pipelineTool{name: "confirmable", fn: func(ctx context.Context, _ map[string]interface{}) *tools.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return tools.NewResult("done")
	}})

	promptRound := []engine.Event{
		{Kind: engine.KindStarted},
		{Kind: engine.KindTextDelta, Delta: "Do you want me to delete the logs? [y/n]"},
		{Kind: engine.KindCompleted, Calls: []convo.ToolCall{
			{ID: "c1", Name: "confirmable", Arguments: map[string]interface{}{}},
		}},
	}
	eng := engine.NewScripted(promptRound, engine.TextTurn("Deleted.", engine.Usage{}))
	p, ch := newTestPipeline(t, eng, reg, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handle(context.Background(), inbound("clean up the logs"))
	}()

	key := routing.RouteKey(inbound("x"))
	waitFor(t, func() bool {
		p.mu.Lock()
		run := p.active[key]
		p.mu.Unlock()
		return run != nil && run.awaiting.Load()
	}, "permission prompt detection")

	p.Handle(context.Background(), inbound("yes"))
	close(release)
	<-done

	reqs := eng.Requests()
	if len(reqs) != 2 {
		t.Fatalf("engine requests = %d, want 2 (steered, not a new run)", len(reqs))
	}
	steered := false
	for _, m := range reqs[1].Messages {
		if m.Role == convo.RoleUser && m.Content == "yes" {
			steered = true
		}
	}
	if !steered {
		t.Error("steered reply missing from second engine request")
	}

	final := ch.messages()
	if len(final) == 0 || !strings.Contains(final[len(final)-1].Text, "Deleted.") {
		t.Errorf("final delivery = %v, want answer %q", final, "Deleted.")
	}
}

// TestInflightDrain verifies Drain waits for in-flight turns and times
// out when they outlast the budget.
func TestInflightDrain(t *testing.T) {
	tr := NewInflightTracker()
	if !tr.Drain(context.Background(), 10*time.Millisecond) {
		t.Error("Drain on idle tracker = false, want true")
	}

	tr.Inc()
	if tr.Drain(context.Background(), 20*time.Millisecond) {
		t.Error("Drain with turn in flight = true, want timeout")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Dec()
	}()
	if !tr.Drain(context.Background(), time.Second) {
		t.Error("Drain after Dec = false, want true")
	}
}

// fixedTranscriber returns a canned transcript for any audio file.
type fixedTranscriber struct{ text string }

func (f *fixedTranscriber) Transcribe(context.Context, string) (string, error) {
	return f.text, nil
}

// TestPipelineVoiceTurnRouting verifies a transcribed voice message is
// routed by its transcript: the routing rule matches the transcribed
// text and the matched agent's prompt drives the turn.
func TestPipelineVoiceTurnRouting(t *testing.T) {
	eng := engine.NewScripted(engine.TextTurn("Sunny, 31 degrees.", engine.Usage{}))
	p, _ := newTestPipeline(t, eng, tools.NewRegistry(), func(deps *PipelineDeps) {
		deps.STT = &fixedTranscriber{text: "weather in Hanoi please"}
		deps.Agents = agent.NewRouter(config.RoutingConfig{
			Agents: map[string]config.AgentProfile{
				"weather": {SystemPrompt: "You are the weather desk."},
			},
			Rules: []config.RoutingRule{
				{Channel: "*", Match: "weather", Agent: "weather"},
			},
		}, "You are a test assistant.")
	})

	msg := inbound("")
	msg.Attachments = []bus.Attachment{{Kind: bus.AttachmentAudio, Path: "note.ogg"}}
	p.Handle(context.Background(), msg)

	if got := eng.Calls(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	req := eng.Requests()[0]
	var system, lastUser string
	for _, m := range req.Messages {
		switch m.Role {
		case convo.RoleSystem:
			system = m.Content
		case convo.RoleUser:
			lastUser = m.Content
		}
	}
	if system != "You are the weather desk." {
		t.Errorf("system prompt = %q, want the weather agent's prompt", system)
	}
	if !strings.Contains(lastUser, "weather in Hanoi please") {
		t.Errorf("user message = %q, want the transcript", lastUser)
	}
}
