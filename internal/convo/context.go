package convo

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Compaction strategies.
const (
	StrategyDropOldest = "drop_oldest"
	StrategySummarize  = "summarize"
	StrategySliding    = "sliding"
)

// SummaryTag prefixes the system message that replaces a summarised
// prefix, so downstream code can recognise it.
const SummaryTag = "[Conversation summary]"

// summarizeTimeout bounds the external summariser call made from
// inside compaction.
const summarizeTimeout = 30 * time.Second

// Summarizer condenses a message prefix into a short text. Wired from
// the engine layer; compaction degrades to drop_oldest without one.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

// Options bound a Context. Zero fields fall back to defaults.
type Options struct {
	MaxTokens           int
	MaxMessages         int
	Strategy            string
	CompactionThreshold float64
	CompactionTarget    float64
	KeepRatio           float64

	// PreserveFirstUserMessage keeps the task description alive across
	// compactions. PreserveRecentToolPairs keeps the N most recent
	// tool-call groups.
	PreserveFirstUserMessage bool
	PreserveRecentToolPairs  int

	Summarizer Summarizer
}

// DefaultOptions returns the standard context bounds.
func DefaultOptions() Options {
	return Options{
		MaxTokens:                100000,
		MaxMessages:              200,
		Strategy:                 StrategyDropOldest,
		CompactionThreshold:      0.8,
		CompactionTarget:         0.6,
		KeepRatio:                0.3,
		PreserveFirstUserMessage: true,
		PreserveRecentToolPairs:  2,
	}
}

// Context is a bounded conversation history. The system prompt is
// stored apart from the message list and prepended on export. All
// methods are safe for concurrent use; an agent loop additionally
// holds the run slot (AcquireRun) for its whole turn so concurrent
// loops on one context are serialised.
type Context struct {
	mu   sync.RWMutex
	opts Options

	systemPrompt string
	promptChars  int
	messages     []Message
	msgChars     int

	runSem chan struct{}
}

// New creates a Context, filling unset options from DefaultOptions.
func New(opts Options) *Context {
	def := DefaultOptions()
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = def.MaxMessages
	}
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = def.CompactionThreshold
	}
	if opts.CompactionTarget <= 0 {
		opts.CompactionTarget = def.CompactionTarget
	}
	if opts.KeepRatio <= 0 {
		opts.KeepRatio = def.KeepRatio
	}
	return &Context{
		opts:   opts,
		runSem: make(chan struct{}, 1),
	}
}

// AcquireRun takes the exclusive run slot, blocking until it is free or
// ctx is cancelled. The holder must call ReleaseRun.
func (c *Context) AcquireRun(ctx context.Context) error {
	select {
	case c.runSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquireRun takes the run slot without blocking.
func (c *Context) TryAcquireRun() bool {
	select {
	case c.runSem <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseRun frees the run slot.
func (c *Context) ReleaseRun() {
	<-c.runSem
}

// SetSystemPrompt replaces the stored prompt.
func (c *Context) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = text
	c.promptChars = len(text)
}

// SystemPrompt returns the stored prompt.
func (c *Context) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemPrompt
}

// AddMessage appends msg and compacts when the token estimate exceeds
// maxTokens*compactionThreshold or the message count exceeds
// maxMessages. Both caps trip strictly above the limit, not at it.
func (c *Context) AddMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.msgChars += messageChars(msg)

	over := float64(c.tokenEstimateLocked()) > c.opts.CompactionThreshold*float64(c.opts.MaxTokens)
	if over || len(c.messages) > c.opts.MaxMessages {
		c.compactLocked()
	}
}

// Messages returns a defensive copy of the history with the system
// prompt (when set) prepended.
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, 0, len(c.messages)+1)
	if c.systemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: c.systemPrompt})
	}
	for _, m := range c.messages {
		out = append(out, m.clone())
	}
	return out
}

// Len returns the number of conversation messages, excluding the
// system prompt.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// TokenEstimate returns the running token approximation including the
// system prompt.
func (c *Context) TokenEstimate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenEstimateLocked()
}

func (c *Context) tokenEstimateLocked() int {
	return tokensFor(c.promptChars + c.msgChars)
}

// Clear drops the conversation but keeps the system prompt.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.msgChars = 0
}

// Compact triggers compaction manually.
func (c *Context) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compactLocked()
}

func (c *Context) compactLocked() {
	strategy := c.opts.Strategy
	if c.opts.Summarizer == nil && (strategy == StrategySummarize || strategy == StrategySliding) {
		strategy = StrategyDropOldest
	}
	before := len(c.messages)
	switch strategy {
	case StrategySummarize:
		c.summarizeLocked(c.targetTokens())
	case StrategySliding:
		c.summarizeLocked(int(c.opts.KeepRatio * float64(c.opts.MaxTokens)))
	default:
		c.dropOldestLocked(c.targetTokens())
	}
	c.recountLocked()
	slog.Debug("convo.compacted",
		"strategy", strategy,
		"messages_before", before,
		"messages_after", len(c.messages),
		"tokens", c.tokenEstimateLocked())
}

func (c *Context) targetTokens() int {
	return int(c.opts.CompactionTarget * float64(c.opts.MaxTokens))
}

func (c *Context) recountLocked() {
	chars := 0
	for _, m := range c.messages {
		chars += messageChars(m)
	}
	c.msgChars = chars
}

// unit is a compaction-atomic span of messages: either a single message
// or an assistant message with tool calls plus the contiguous tool
// messages answering them.
type unit struct {
	start, end int // [start, end)
	toolPair   bool
}

func (c *Context) unitsLocked() []unit {
	var units []unit
	i := 0
	for i < len(c.messages) {
		m := c.messages[i]
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			ids := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				ids[tc.ID] = true
			}
			j := i + 1
			for j < len(c.messages) && c.messages[j].Role == RoleTool && ids[c.messages[j].ToolCallID] {
				j++
			}
			units = append(units, unit{start: i, end: j, toolPair: true})
			i = j
			continue
		}
		units = append(units, unit{start: i, end: i + 1})
		i++
	}
	return units
}

func (c *Context) unitChars(u unit) int {
	chars := 0
	for i := u.start; i < u.end; i++ {
		chars += messageChars(c.messages[i])
	}
	return chars
}

// dropOldestLocked removes units oldest-first until the estimate is at
// or under target tokens and the count is within maxMessages. The first
// user message (when configured), the N most recent tool pairs, and the
// final unit are never dropped.
func (c *Context) dropOldestLocked(target int) {
	units := c.unitsLocked()
	if len(units) <= 1 {
		return
	}

	protected := c.protectedUnits(units)
	chars := c.promptChars + c.msgChars
	count := len(c.messages)

	drop := make([]bool, len(units))
	for ui, u := range units {
		if tokensFor(chars) <= target && count <= c.opts.MaxMessages {
			break
		}
		if protected[ui] {
			continue
		}
		drop[ui] = true
		chars -= c.unitChars(u)
		count -= u.end - u.start
	}

	kept := make([]Message, 0, count)
	for ui, u := range units {
		if drop[ui] {
			continue
		}
		kept = append(kept, c.messages[u.start:u.end]...)
	}
	c.messages = kept
}

func (c *Context) protectedUnits(units []unit) map[int]bool {
	protected := map[int]bool{len(units) - 1: true}
	if c.opts.PreserveFirstUserMessage {
		for ui, u := range units {
			if !u.toolPair && c.messages[u.start].Role == RoleUser {
				protected[ui] = true
				break
			}
		}
	}
	pairs := c.opts.PreserveRecentToolPairs
	for ui := len(units) - 1; ui >= 0 && pairs > 0; ui-- {
		if units[ui].toolPair {
			protected[ui] = true
			pairs--
		}
	}
	return protected
}

// summarizeLocked keeps a recent window of roughly window tokens and
// replaces everything older with one tagged system message produced by
// the summariser. Falls back to drop_oldest when the summariser fails.
func (c *Context) summarizeLocked(window int) {
	units := c.unitsLocked()
	if len(units) <= 1 {
		return
	}

	// Walk back from the end until the window is full; the final unit
	// always stays.
	keepFrom := len(units) - 1
	chars := c.unitChars(units[keepFrom])
	for keepFrom > 0 {
		next := c.unitChars(units[keepFrom-1])
		if tokensFor(chars+next) > window {
			break
		}
		keepFrom--
		chars += next
	}

	// Recent tool pairs extend the window when they fall outside it.
	pairs := c.opts.PreserveRecentToolPairs
	for ui := len(units) - 1; ui >= 0 && pairs > 0; ui-- {
		if units[ui].toolPair {
			if ui < keepFrom {
				keepFrom = ui
			}
			pairs--
		}
	}
	if keepFrom == 0 {
		return
	}

	prefix := c.messages[:units[keepFrom].start]
	suffix := c.messages[units[keepFrom].start:]

	var firstUser *Message
	if c.opts.PreserveFirstUserMessage {
		for i := range prefix {
			if prefix[i].Role == RoleUser {
				m := prefix[i].clone()
				firstUser = &m
				rest := make([]Message, 0, len(prefix)-1)
				rest = append(rest, prefix[:i]...)
				rest = append(rest, prefix[i+1:]...)
				prefix = rest
				break
			}
		}
	}

	summary := ""
	if len(prefix) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), summarizeTimeout)
		defer cancel()
		text, err := c.opts.Summarizer.Summarize(ctx, prefix)
		if err != nil {
			slog.Warn("convo.summarize_failed", "error", err)
			c.dropOldestLocked(c.targetTokens())
			return
		}
		summary = text
	}

	kept := make([]Message, 0, len(suffix)+2)
	if firstUser != nil {
		kept = append(kept, *firstUser)
	}
	if summary != "" {
		kept = append(kept, Message{Role: RoleSystem, Content: SummaryTag + " " + summary})
	}
	kept = append(kept, suffix...)
	c.messages = kept
}
