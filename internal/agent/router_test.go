package agent

import (
	"reflect"
	"testing"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
)

func msgFor(channel, text string) bus.InboundMessage {
	return bus.InboundMessage{ChannelID: channel, Text: text}
}

func TestRouteFirstMatchWins(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{
			"coder":  {SystemPrompt: "You write code.", MaxIterations: 5},
			"writer": {SystemPrompt: "You write prose."},
		},
		Rules: []config.RoutingRule{
			{Channel: "telegram", Match: "code", Agent: "coder"},
			{Channel: "*", Match: "code", Agent: "writer"},
		},
	}, "default prompt")

	d := r.Route(msgFor("telegram", "please review this code"))
	if d.AgentName != "coder" {
		t.Fatalf("AgentName = %q, want %q", d.AgentName, "coder")
	}
	if d.SystemPrompt != "You write code." {
		t.Errorf("SystemPrompt = %q", d.SystemPrompt)
	}
	if d.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", d.MaxIterations)
	}
}

func TestRouteChannelPatterns(t *testing.T) {
	cfg := config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"a": {SystemPrompt: "p"}},
	}

	tests := []struct {
		name    string
		channel string
		msgChan string
		want    bool
	}{
		{"exact", "telegram", "telegram", true},
		{"exact case-insensitive", "Telegram", "telegram", true},
		{"exact mismatch", "telegram", "discord", false},
		{"star admits all", "*", "anything", true},
		{"empty admits all", "", "anything", true},
		{"glob prefix", "cron:*", "cron:standup", true},
		{"glob prefix mismatch", "cron:*", "telegram", false},
		{"no partial match", "gram", "telegram", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Rules = []config.RoutingRule{{Channel: tt.channel, Agent: "a"}}
			r := NewRouter(cfg, "default")
			d := r.Route(msgFor(tt.msgChan, "hello"))
			got := d.AgentName == "a"
			if got != tt.want {
				t.Errorf("channel %q vs %q: matched = %v, want %v", tt.channel, tt.msgChan, got, tt.want)
			}
		})
	}
}

func TestRouteMatchIsCaseInsensitiveAndUnanchored(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"a": {SystemPrompt: "p"}},
		Rules:  []config.RoutingRule{{Channel: "*", Match: "deploy", Agent: "a"}},
	}, "default")

	if d := r.Route(msgFor("telegram", "PLEASE DEPLOY NOW")); d.AgentName != "a" {
		t.Errorf("case-insensitive match failed, got agent %q", d.AgentName)
	}
	if d := r.Route(msgFor("telegram", "nothing relevant")); d.AgentName != DefaultAgentName {
		t.Errorf("non-matching text routed to %q, want default", d.AgentName)
	}
}

func TestRouteEmptyMatchAdmitsAll(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"a": {SystemPrompt: "p"}},
		Rules:  []config.RoutingRule{{Channel: "discord", Agent: "a"}},
	}, "default")

	if d := r.Route(msgFor("discord", "")); d.AgentName != "a" {
		t.Errorf("empty match should admit empty text, got %q", d.AgentName)
	}
}

func TestRouteSkipsRulesNamingUndefinedAgents(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"real": {SystemPrompt: "p"}},
		Rules: []config.RoutingRule{
			{Channel: "*", Match: "", Agent: "ghost"},
			{Channel: "*", Match: "", Agent: "real"},
		},
	}, "default")

	if d := r.Route(msgFor("telegram", "hi")); d.AgentName != "real" {
		t.Errorf("undefined-agent rule not skipped, got %q", d.AgentName)
	}
}

func TestRouteSkipsInvalidPatterns(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"a": {SystemPrompt: "p"}},
		Rules: []config.RoutingRule{
			{Channel: "*", Match: "([unterminated", Agent: "a"},
			{Channel: "*", Match: "hello", Agent: "a"},
		},
	}, "default")

	if d := r.Route(msgFor("telegram", "hello")); d.AgentName != "a" {
		t.Errorf("valid rule after invalid one did not apply, got %q", d.AgentName)
	}
}

func TestRouteDefaultDecision(t *testing.T) {
	r := NewRouter(config.RoutingConfig{}, "be helpful")

	d := r.Route(msgFor("telegram", "hi"))
	want := Decision{
		AgentName:     DefaultAgentName,
		SystemPrompt:  "be helpful",
		MaxIterations: DefaultMaxIterations,
	}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("default decision = %+v, want %+v", d, want)
	}
}

func TestRouteProfileDefaultsFilledIn(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{
			"sparse": {ToolExclude: []string{"bash"}},
		},
		Rules: []config.RoutingRule{{Channel: "*", Agent: "sparse"}},
	}, "fallback prompt")

	d := r.Route(msgFor("x", "y"))
	if d.SystemPrompt != "fallback prompt" {
		t.Errorf("SystemPrompt = %q, want fallback", d.SystemPrompt)
	}
	if d.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", d.MaxIterations, DefaultMaxIterations)
	}
	if len(d.ToolExclude) != 1 || d.ToolExclude[0] != "bash" {
		t.Errorf("ToolExclude = %v", d.ToolExclude)
	}
}

func TestReloadSwapsRules(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"a": {SystemPrompt: "p"}},
		Rules:  []config.RoutingRule{{Channel: "*", Agent: "a"}},
	}, "default")

	if d := r.Route(msgFor("x", "y")); d.AgentName != "a" {
		t.Fatalf("pre-reload agent = %q", d.AgentName)
	}

	r.Reload(config.RoutingConfig{
		Agents: map[string]config.AgentProfile{"b": {SystemPrompt: "q"}},
		Rules:  []config.RoutingRule{{Channel: "*", Agent: "b"}},
	})

	if d := r.Route(msgFor("x", "y")); d.AgentName != "b" {
		t.Errorf("post-reload agent = %q, want %q", d.AgentName, "b")
	}
}
