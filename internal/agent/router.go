package agent

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
)

// DefaultAgentName is used when no routing rule matches.
const DefaultAgentName = "default"

// Decision is the outcome of routing one inbound message: which agent
// profile drives the loop for this turn.
type Decision struct {
	AgentName     string
	SystemPrompt  string
	Model         string // empty = engine default
	MaxIterations int
	ToolExclude   []string
}

// compiledRule holds a routing rule with its patterns pre-compiled.
// A nil pattern admits everything.
type compiledRule struct {
	channel *regexp.Regexp
	match   *regexp.Regexp
	agent   string
}

// Router selects an agent profile per inbound message. Rules are
// compiled once per config load; Route is hot-path and lock-cheap.
type Router struct {
	mu            sync.RWMutex
	rules         []compiledRule
	agents        map[string]config.AgentProfile
	defaultPrompt string
}

// NewRouter compiles the routing table. Rules that name an agent
// missing from the profiles map, or that carry an invalid pattern, are
// dropped with a warning; the remaining rules keep their order.
func NewRouter(cfg config.RoutingConfig, defaultPrompt string) *Router {
	r := &Router{defaultPrompt: defaultPrompt}
	r.Reload(cfg)
	return r
}

// Reload swaps in a freshly compiled rule set. The config watcher calls
// this on file change; in-flight Route calls see either the old or the
// new table, never a mix.
func (r *Router) Reload(cfg config.RoutingConfig) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if _, ok := cfg.Agents[rule.Agent]; !ok {
			slog.Warn("routing.rule_skipped",
				"index", i, "agent", rule.Agent, "reason", "agent not defined")
			continue
		}
		channelRe, err := compileChannelPattern(rule.Channel)
		if err != nil {
			slog.Warn("routing.rule_skipped",
				"index", i, "agent", rule.Agent, "channel", rule.Channel, "error", err)
			continue
		}
		matchRe, err := compileMatchPattern(rule.Match)
		if err != nil {
			slog.Warn("routing.rule_skipped",
				"index", i, "agent", rule.Agent, "match", rule.Match, "error", err)
			continue
		}
		rules = append(rules, compiledRule{channel: channelRe, match: matchRe, agent: rule.Agent})
	}

	agents := make(map[string]config.AgentProfile, len(cfg.Agents))
	for name, p := range cfg.Agents {
		agents[name] = p
	}

	r.mu.Lock()
	r.rules = rules
	r.agents = agents
	r.mu.Unlock()
}

// Route returns the decision for a message: first rule whose channel
// pattern admits the channel id AND whose text pattern admits the text
// wins. No match falls through to the default profile.
func (r *Router) Route(msg bus.InboundMessage) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.channel != nil && !rule.channel.MatchString(msg.ChannelID) {
			continue
		}
		if rule.match != nil && !rule.match.MatchString(msg.Text) {
			continue
		}
		return r.decisionLocked(rule.agent, r.agents[rule.agent])
	}

	return Decision{
		AgentName:     DefaultAgentName,
		SystemPrompt:  r.defaultPrompt,
		MaxIterations: DefaultMaxIterations,
	}
}

func (r *Router) decisionLocked(name string, p config.AgentProfile) Decision {
	d := Decision{
		AgentName:     name,
		SystemPrompt:  p.SystemPrompt,
		Model:         p.Model,
		MaxIterations: p.MaxIterations,
	}
	if d.SystemPrompt == "" {
		d.SystemPrompt = r.defaultPrompt
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	if len(p.ToolExclude) > 0 {
		d.ToolExclude = append([]string(nil), p.ToolExclude...)
	}
	return d
}

// compileChannelPattern turns a channel selector into a matcher: "" and
// "*" admit every channel, any other value matches the whole id
// case-insensitively with "*" as a glob wildcard.
func compileChannelPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" || pattern == "*" {
		return nil, nil
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	return regexp.Compile(`(?i)^` + quoted + `$`)
}

// compileMatchPattern compiles the rule's text pattern as an unanchored
// case-insensitive regex; empty admits every message.
func compileMatchPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(`(?i)` + pattern)
}
