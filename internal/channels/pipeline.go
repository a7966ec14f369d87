package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gatehouselabs/gatehouse/internal/agent"
	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/convo"
	"github.com/gatehouselabs/gatehouse/internal/engine"
	"github.com/gatehouselabs/gatehouse/internal/memory"
	"github.com/gatehouselabs/gatehouse/internal/routing"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
	"github.com/gatehouselabs/gatehouse/internal/tools"
	"github.com/gatehouselabs/gatehouse/internal/verify"
)

// Fixed user-facing bounce texts.
const (
	rateLimitApology = "You're sending messages faster than I can handle right now. Give me a minute and try again."
	errorApology     = "Something went wrong while handling that. Please try again."
)

// recallLimit caps memories injected per turn.
const recallLimit = 5

// permissionPromptRe detects an engine asking the user for a go-ahead
// mid-run; the next inbound message from that conversation is steered
// into the run instead of starting a new one.
var permissionPromptRe = regexp.MustCompile(`(?i)\[y/n\]|\(y(?:es)?/no?\)|do you want (?:me )?to|shall i proceed|continue\?`)

// writeClassExcludes are hidden when the autonomy level is readonly.
var writeClassExcludes = []string{"bash", "file_write", "file_edit", "delegate", "browser"}

// alwaysExcludes never run from a channel turn.
var alwaysExcludes = []string{"delegate", "browser"}

// PipelineDeps wires a Pipeline. Bus, Router, Agents, Contexts,
// Sessions, Registry, and Engine are required.
type PipelineDeps struct {
	Config   *config.Config
	Bus      *bus.MessageBus
	Router   *routing.Router
	Agents   *agent.Router
	Contexts *routing.ContextRegistry
	Sessions *sessions.Manager
	Registry *tools.Registry
	Policy   *tools.Policy
	Pool     *tools.WorkerPool
	Engine   engine.Engine
	Verifier verify.Verifier
	Memory   *memory.Store // optional
	STT      Transcriber   // optional
	TTS      Synthesizer   // optional
	Limiter  *RateLimiter  // optional, defaults applied
	Inflight *InflightTracker
}

type activeRun struct {
	loop      *agent.Loop
	sessionID string
	awaiting  atomic.Bool
}

// Pipeline consumes the inbound side of the bus and drives one agent
// turn per message: rate limiting, speech, routing, tool filtering,
// the run loop, and delivery back through the originating channel.
type Pipeline struct {
	deps PipelineDeps

	mu       sync.Mutex
	channels map[string]Channel
	active   map[string]*activeRun // route key -> in-flight run
}

// NewPipeline builds a Pipeline, filling optional collaborators with
// defaults.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if deps.Inflight == nil {
		deps.Inflight = NewInflightTracker()
	}
	return &Pipeline{
		deps:     deps,
		channels: make(map[string]Channel),
		active:   make(map[string]*activeRun),
	}
}

// RegisterChannel makes ch available for outbound delivery and feeds
// its inbound messages into the bus.
func (p *Pipeline) RegisterChannel(ch Channel) {
	p.mu.Lock()
	p.channels[ch.ID()] = ch
	p.mu.Unlock()
	ch.OnMessage(p.deps.Bus.PublishInbound)
}

// Channels returns the registered adapters keyed by id.
func (p *Pipeline) Channels() map[string]Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Channel, len(p.channels))
	for id, ch := range p.channels {
		out[id] = ch
	}
	return out
}

// Inflight exposes the tracker for the shutdown drain.
func (p *Pipeline) Inflight() *InflightTracker { return p.deps.Inflight }

// Run consumes inbound messages until ctx is cancelled, handling each
// on its own goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		msg, ok := p.deps.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go p.Handle(ctx, msg)
	}
}

// Handle processes one inbound message end to end.
func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) {
	if strings.TrimSpace(msg.Text) == "" && !hasAudio(msg) {
		return
	}

	if !p.deps.Limiter.Allow(RateKey(msg)) {
		slog.Info("pipeline.rate_limited", "channel", msg.ChannelID, "user", msg.From.UserID)
		p.bounce(ctx, msg, rateLimitApology)
		return
	}

	key := routing.RouteKey(msg)
	if p.steerActive(key, msg.Text) {
		slog.Debug("pipeline.steered", "route", key)
		return
	}

	p.deps.Inflight.Inc()
	defer p.deps.Inflight.Dec()

	text, voiceTurn := p.resolveSpeech(ctx, &msg)
	if strings.TrimSpace(text) == "" {
		return
	}

	decision := p.deps.Agents.Route(msg)
	sess, ok := p.deps.Router.Route(msg)
	if !ok {
		return
	}
	cc := p.deps.Contexts.Get(key)
	if decision.SystemPrompt != "" {
		cc.SetSystemPrompt(decision.SystemPrompt)
	}
	if err := cc.AcquireRun(ctx); err != nil {
		return
	}
	defer cc.ReleaseRun()

	p.recallMemories(ctx, cc, text)

	loop := agent.New(agent.Config{
		Engine:        p.deps.Engine,
		Context:       cc,
		Registry:      p.deps.Registry,
		Exclude:       p.excludeFor(decision.ToolExclude),
		Policy:        p.deps.Policy,
		Pool:          p.deps.Pool,
		Sessions:      p.deps.Sessions,
		SessionID:     sess.ID,
		Verifier:      p.deps.Verifier,
		Model:         decision.Model,
		MaxIterations: decision.MaxIterations,
		Snapshots:     p.deps.Verifier != nil,
	})

	run := &activeRun{loop: loop, sessionID: sess.ID}
	p.mu.Lock()
	p.active[key] = run
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, key)
		p.mu.Unlock()
	}()

	images := agent.LoadImages(imagePaths(msg))
	p.consume(ctx, msg, run, loop.Run(ctx, text, images), voiceTurn)
}

// consume drains one run's event stream into the originating channel.
func (p *Pipeline) consume(ctx context.Context, msg bus.InboundMessage, run *activeRun, events <-chan agent.Event, voiceTurn bool) {
	ch, recipient := p.target(msg)
	var stream *StreamHandler
	if ch != nil {
		stream = NewStreamHandler(ch, recipient)
	}

	var answer string
	for ev := range events {
		switch ev.Kind {
		case agent.EventText:
			answer += ev.Delta
			run.awaiting.Store(permissionPromptRe.MatchString(answer))
			if stream != nil {
				stream.OnText(ctx, agent.SanitizeReply(answer))
			}
		case agent.EventComplete:
			run.awaiting.Store(false)
			final := agent.SanitizeReply(ev.Answer)
			if stream != nil {
				if err := stream.Finish(ctx, final); err != nil {
					slog.Warn("pipeline.deliver_failed", "channel", msg.ChannelID, "error", err)
				}
			}
			if voiceTurn {
				p.speakReply(ctx, ch, recipient, final)
			}
		case agent.EventError:
			run.awaiting.Store(false)
			slog.Error("pipeline.run_failed", "channel", msg.ChannelID, "error", ev.Err)
			p.bounce(ctx, msg, errorApology)
		}
	}
}

// SteerSession injects text into the in-flight run belonging to a
// session. Used by the control plane's steer endpoint.
func (p *Pipeline) SteerSession(sessionID, text string) error {
	p.mu.Lock()
	var run *activeRun
	for _, r := range p.active {
		if r.sessionID == sessionID {
			run = r
			break
		}
	}
	p.mu.Unlock()
	if run == nil {
		return fmt.Errorf("session %s has no run in flight", sessionID)
	}
	return run.loop.Steer(text)
}

// steerActive forwards text into an in-flight run that is waiting on a
// permission prompt. Reports whether the message was consumed.
func (p *Pipeline) steerActive(key, text string) bool {
	p.mu.Lock()
	run := p.active[key]
	p.mu.Unlock()
	if run == nil || !run.awaiting.Load() {
		return false
	}
	if err := run.loop.Steer(text); err != nil {
		return false
	}
	run.awaiting.Store(false)
	return true
}

// resolveSpeech transcribes audio attachments when a transcriber is
// wired. Returns the effective turn text and whether it came from
// voice.
func (p *Pipeline) resolveSpeech(ctx context.Context, msg *bus.InboundMessage) (string, bool) {
	text := msg.Text
	voice := false
	for i, att := range msg.Attachments {
		if att.Kind != bus.AttachmentAudio || att.Path == "" {
			continue
		}
		if p.deps.STT == nil {
			continue
		}
		transcript, err := p.deps.STT.Transcribe(ctx, att.Path)
		if err != nil {
			slog.Warn("pipeline.stt_failed", "channel", msg.ChannelID, "error", err)
			continue
		}
		msg.Attachments[i].Transcript = transcript
		voice = true
		if strings.TrimSpace(text) == "" {
			text = transcript
		}
	}
	// Routing rules match on the message text, so a transcribed voice
	// turn must carry its transcript there.
	msg.Text = text
	return text, voice
}

// speakReply synthesizes the final answer and sends it as voice on
// channels that support it. Best-effort.
func (p *Pipeline) speakReply(ctx context.Context, ch Channel, recipient, text string) {
	if p.deps.TTS == nil || ch == nil || text == "" {
		return
	}
	vs, ok := ch.(VoiceSender)
	if !ok {
		return
	}
	path, err := p.deps.TTS.Synthesize(ctx, text)
	if err != nil {
		slog.Warn("pipeline.tts_failed", "channel", ch.ID(), "error", err)
		return
	}
	if err := vs.SendVoice(ctx, recipient, path); err != nil {
		slog.Warn("pipeline.voice_send_failed", "channel", ch.ID(), "error", err)
	}
}

// excludeFor builds the per-turn tool exclusion set.
func (p *Pipeline) excludeFor(routeExclude []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(alwaysExcludes...)
	if p.deps.Policy != nil && p.deps.Policy.ReadOnly() {
		add(writeClassExcludes...)
	}
	if p.deps.Config != nil {
		add(p.deps.Config.Tools.Exclude...)
		if !p.deps.Config.Mesh.Enabled {
			add("mesh")
		}
	} else {
		add("mesh")
	}
	add(routeExclude...)
	return out
}

// recallMemories injects relevant long-term memories as a system note
// before the first engine call of the turn.
func (p *Pipeline) recallMemories(ctx context.Context, cc *convo.Context, text string) {
	if p.deps.Memory == nil {
		return
	}
	memories, err := p.deps.Memory.Recall(ctx, text, recallLimit)
	if err != nil {
		slog.Warn("pipeline.memory_recall_failed", "error", err)
		return
	}
	if len(memories) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("[Recalled memories]")
	for _, m := range memories {
		fmt.Fprintf(&b, "\n- %s", m.Text)
	}
	cc.AddMessage(convo.Message{Role: convo.RoleSystem, Content: b.String()})
}

// bounce sends a fixed apology back through the originating channel.
func (p *Pipeline) bounce(ctx context.Context, msg bus.InboundMessage, text string) {
	ch, recipient := p.target(msg)
	if ch == nil {
		return
	}
	out := bus.OutboundMessage{ChannelID: ch.ID(), Recipient: recipient, Text: text}
	if err := ch.Send(ctx, recipient, out); err != nil {
		slog.Warn("pipeline.bounce_failed", "channel", ch.ID(), "error", err)
	}
}

// target resolves the channel adapter and reply address for a message.
// Synthetic sources (cron, webhooks) have no adapter.
func (p *Pipeline) target(msg bus.InboundMessage) (Channel, string) {
	p.mu.Lock()
	ch := p.channels[msg.ChannelID]
	p.mu.Unlock()
	if ch == nil {
		return nil, ""
	}
	if chat := msg.Metadata["chatId"]; chat != "" {
		return ch, chat
	}
	if msg.From.GroupID != "" {
		return ch, msg.From.GroupID
	}
	return ch, msg.From.UserID
}

func hasAudio(msg bus.InboundMessage) bool {
	for _, att := range msg.Attachments {
		if att.Kind == bus.AttachmentAudio {
			return true
		}
	}
	return false
}

func imagePaths(msg bus.InboundMessage) []string {
	var paths []string
	for _, att := range msg.Attachments {
		if att.Kind == bus.AttachmentImage && att.Path != "" {
			paths = append(paths, att.Path)
		}
	}
	return paths
}
