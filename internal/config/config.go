package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON. Telegram
// user ids are numeric and people paste them unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Gatehouse gateway.
// Keys mirror the on-disk JSON; defaults are deep-merged underneath the
// file (objects merge, arrays replace).
type Config struct {
	Agent         AgentConfig         `json:"agent"`
	Gateway       GatewayConfig       `json:"gateway"`
	Security      SecurityConfig      `json:"security"`
	Observability ObservabilityConfig `json:"observability"`
	Memory        MemoryConfig        `json:"memory"`
	Engines       EnginesConfig       `json:"engines"`
	Tunnel        TunnelConfig        `json:"tunnel"`
	Secrets       SecretsConfig       `json:"secrets"`
	Channels      ChannelsConfig      `json:"channels"`
	Routing       RoutingConfig       `json:"routing"`
	Sessions      SessionsConfig      `json:"sessions"`
	Context       ContextConfig       `json:"context"`
	Tools         ToolsConfig         `json:"tools"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Webhooks      []WebhookConfig     `json:"webhooks,omitempty"`
	Storage       StorageConfig       `json:"storage,omitempty"`
	Speech        SpeechConfig        `json:"speech,omitempty"`
	Mesh          MeshConfig          `json:"mesh,omitempty"`
}

// AgentConfig is the default agent profile applied when no routing rule
// overrides it.
type AgentConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
}

// GatewayConfig configures the HTTP control plane.
type GatewayConfig struct {
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	PairingEnabled *bool          `json:"pairingEnabled,omitempty"`
	Identity       IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig controls the /.well-known/agent.json registration.
type IdentityConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// PairingOn reports whether pairing auth is active (default true).
func (g GatewayConfig) PairingOn() bool {
	return g.PairingEnabled == nil || *g.PairingEnabled
}

// SecurityConfig gates what tools may touch.
type SecurityConfig struct {
	Autonomy AutonomyConfig `json:"autonomy"`
}

// AutonomyConfig: level is one of readonly, supervised, full.
type AutonomyConfig struct {
	Level           string   `json:"level"`
	AllowedPaths    []string `json:"allowedPaths,omitempty"`
	BlockedCommands []string `json:"blockedCommands,omitempty"`
}

// ObservabilityConfig selects log level and optional OTLP trace export.
type ObservabilityConfig struct {
	LogLevel     string `json:"logLevel"`
	OtlpEndpoint string `json:"otlpEndpoint,omitempty"`
	OtlpProtocol string `json:"otlpProtocol,omitempty"` // "grpc" or "http"
	ServiceName  string `json:"serviceName,omitempty"`
}

// MemoryConfig configures the sqlite memory backend.
type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// EnginesConfig names the default engine and per-engine settings.
type EnginesConfig struct {
	Default    string           `json:"default"`
	Anthropic  AnthropicEngine  `json:"anthropic,omitempty"`
	Subprocess SubprocessEngine `json:"subprocess,omitempty"`
}

// AnthropicEngine is the HTTP engine configuration.
// APIKey is typically supplied via ${ANTHROPIC_API_KEY} substitution or
// the GATEHOUSE_ANTHROPIC_API_KEY env override.
type AnthropicEngine struct {
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// SubprocessEngine runs a local CLI as the engine; stdout carries
// <tool_call> framed blocks.
type SubprocessEngine struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// TunnelConfig: provider "none" or "tailscale".
type TunnelConfig struct {
	Provider string `json:"provider"`
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"-"` // env only, never persisted
	StateDir string `json:"stateDir,omitempty"`
}

// SecretsConfig points at the sidecar env file loaded before ${VAR}
// substitution.
type SecretsConfig struct {
	EnvFile string `json:"envFile,omitempty"`
}

// ChannelsConfig enables the built-in channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Webchat  WebchatConfig  `json:"webchat,omitempty"`
	Bridge   BridgeConfig   `json:"bridge,omitempty"`
}

// TelegramConfig for the telego adapter.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	Token     string              `json:"token,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allowFrom,omitempty"`
}

// DiscordConfig for the discordgo adapter.
type DiscordConfig struct {
	Enabled   bool                `json:"enabled,omitempty"`
	Token     string              `json:"token,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allowFrom,omitempty"`
}

// WebchatConfig for the WebSocket surface mounted at /ws.
type WebchatConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// On reports whether webchat is active (default true).
func (w WebchatConfig) On() bool {
	return w.Enabled == nil || *w.Enabled
}

// BridgeConfig for the generic WebSocket bridge adapter.
type BridgeConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Name    string `json:"name,omitempty"` // channel id, default "bridge"
	URL     string `json:"url,omitempty"`
}

// RoutingConfig holds named agent profiles and ordered routing rules.
type RoutingConfig struct {
	Agents map[string]AgentProfile `json:"agents,omitempty"`
	Rules  []RoutingRule           `json:"rules,omitempty"`
}

// AgentProfile overrides the default agent for matched messages.
type AgentProfile struct {
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	Model         string   `json:"model,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	ToolExclude   []string `json:"toolExclude,omitempty"`
}

// RoutingRule: channel is an exact id or "*"; match is a regex applied
// to the message text. First matching rule wins.
type RoutingRule struct {
	Channel string `json:"channel"`
	Match   string `json:"match"`
	Agent   string `json:"agent"`
}

// SessionsConfig: idle sessions beyond MaxIdleMinutes are evicted.
type SessionsConfig struct {
	MaxIdleMinutes int `json:"maxIdleMinutes,omitempty"`
}

// ContextConfig bounds conversation history.
type ContextConfig struct {
	MaxTokens                int     `json:"maxTokens,omitempty"`
	MaxMessages              int     `json:"maxMessages,omitempty"`
	Strategy                 string  `json:"strategy,omitempty"` // drop_oldest, summarize, sliding
	CompactionThreshold      float64 `json:"compactionThreshold,omitempty"`
	CompactionTarget         float64 `json:"compactionTarget,omitempty"`
	KeepRatio                float64 `json:"keepRatio,omitempty"`
	PreserveFirstUserMessage *bool   `json:"preserveFirstUserMessage,omitempty"`
	PreserveRecentToolPairs  int     `json:"preserveRecentToolPairs,omitempty"`
}

// PreserveFirst reports whether the first user message survives
// compaction (default true).
func (c ContextConfig) PreserveFirst() bool {
	return c.PreserveFirstUserMessage == nil || *c.PreserveFirstUserMessage
}

// ToolsConfig: global exclusions plus the heavyweight-tool worker pool
// and optional MCP tool servers.
type ToolsConfig struct {
	Exclude    []string          `json:"exclude,omitempty"`
	WorkerPool WorkerPoolConfig  `json:"workerPool,omitempty"`
	MCPServers []MCPServerConfig `json:"mcpServers,omitempty"`
}

// MCPServerConfig declares one MCP tool server. Transport is "stdio"
// (Command + Args) or "sse" (URL). Discovered tools register as
// "mcp_{name}_{tool}".
type MCPServerConfig struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// WorkerPoolConfig sizes the shared tool worker pool.
type WorkerPoolConfig struct {
	Size               int `json:"size,omitempty"`
	TaskTimeoutSeconds int `json:"taskTimeoutSeconds,omitempty"`
}

// SchedulerConfig declares cron jobs started with the gateway.
type SchedulerConfig struct {
	Jobs []JobConfig `json:"jobs,omitempty"`
}

// JobConfig is one cron entry; Schedule is a five-field cron expression.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Message  string `json:"message"`
	Enabled  *bool  `json:"enabled,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// On reports whether the job is active (default true).
func (j JobConfig) On() bool {
	return j.Enabled == nil || *j.Enabled
}

// WebhookConfig names an accepted webhook; POST /webhooks/:name is
// rejected for names not listed here.
type WebhookConfig struct {
	Name string `json:"name"`
}

// StorageConfig: when PostgresDSN is set the pairing store moves from
// the local JSON file to Postgres.
type StorageConfig struct {
	PostgresDSN string `json:"-"` // env only: GATEHOUSE_POSTGRES_DSN
	PairingFile string `json:"pairingFile,omitempty"`
}

// SpeechConfig wires optional speech-to-text / text-to-speech commands.
// Each is an argv; the audio file path is appended for STT, the text is
// written to stdin for TTS.
type SpeechConfig struct {
	SttCommand []string `json:"sttCommand,omitempty"`
	TtsCommand []string `json:"ttsCommand,omitempty"`
}

// MeshConfig gates the mesh tool.
type MeshConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-5",
			SystemPrompt: "You are a helpful personal assistant.",
			Workspace:    "~/.gatehouse/workspace",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Security: SecurityConfig{
			Autonomy: AutonomyConfig{Level: "supervised"},
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			OtlpProtocol: "grpc",
			ServiceName:  "gatehouse",
		},
		Memory: MemoryConfig{
			Enabled: true,
			Path:    "~/.gatehouse/memory.db",
		},
		Engines: EnginesConfig{
			Default: "anthropic",
			Anthropic: AnthropicEngine{
				Model:     "claude-sonnet-4-5",
				BaseURL:   "https://api.anthropic.com",
				MaxTokens: 8192,
			},
		},
		Tunnel: TunnelConfig{
			Provider: "none",
			StateDir: "~/.gatehouse/tsnet",
		},
		Secrets: SecretsConfig{EnvFile: ".env.local"},
		Sessions: SessionsConfig{
			MaxIdleMinutes: 60,
		},
		Context: ContextConfig{
			MaxTokens:               100000,
			MaxMessages:             200,
			Strategy:                "drop_oldest",
			CompactionThreshold:     0.8,
			CompactionTarget:        0.6,
			KeepRatio:               0.3,
			PreserveRecentToolPairs: 2,
		},
		Tools: ToolsConfig{
			WorkerPool: WorkerPoolConfig{Size: 4, TaskTimeoutSeconds: 60},
		},
		Storage: StorageConfig{
			PairingFile: "~/.gatehouse/pairing.json",
		},
	}
}

// MaskedCopy returns a deep copy with secret fields replaced by "***".
// Used by the doctor command so reports never leak credentials.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	maskNonEmpty(&cp.Engines.Anthropic.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Tunnel.AuthKey)
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Validate checks required keys and enumerations, returning an error
// that points at the offending path.
func (c *Config) Validate() error {
	if c.Agent.Provider == "" {
		return fmt.Errorf("agent.provider is required")
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	switch c.Security.Autonomy.Level {
	case "readonly", "supervised", "full":
	default:
		return fmt.Errorf("security.autonomy.level invalid: %q (want readonly, supervised, or full)", c.Security.Autonomy.Level)
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.logLevel invalid: %q (want debug, info, warn, or error)", c.Observability.LogLevel)
	}
	switch c.Observability.OtlpProtocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("observability.otlpProtocol invalid: %q (want grpc or http)", c.Observability.OtlpProtocol)
	}
	switch c.Context.Strategy {
	case "", "drop_oldest", "summarize", "sliding":
	default:
		return fmt.Errorf("context.strategy invalid: %q (want drop_oldest, summarize, or sliding)", c.Context.Strategy)
	}
	switch c.Tunnel.Provider {
	case "", "none", "tailscale":
	default:
		return fmt.Errorf("tunnel.provider invalid: %q (want none or tailscale)", c.Tunnel.Provider)
	}
	if c.Engines.Default == "subprocess" && c.Engines.Subprocess.Command == "" {
		return fmt.Errorf("engines.subprocess.command is required when engines.default is subprocess")
	}
	for i, rule := range c.Routing.Rules {
		if rule.Agent == "" {
			return fmt.Errorf("routing.rules[%d].agent is required", i)
		}
	}
	for i, job := range c.Scheduler.Jobs {
		if job.Name == "" {
			return fmt.Errorf("scheduler.jobs[%d].name is required", i)
		}
		if job.Schedule == "" {
			return fmt.Errorf("scheduler.jobs[%d].schedule is required", i)
		}
	}
	return nil
}
