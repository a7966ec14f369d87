package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8787 {
		t.Errorf("port = %d, want 8787", cfg.Gateway.Port)
	}
	if cfg.Security.Autonomy.Level != "supervised" {
		t.Errorf("autonomy = %q, want supervised", cfg.Security.Autonomy.Level)
	}
}

func TestLoadDeepMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"gateway": {"port": 9090},
		"engines": {"anthropic": {"model": "claude-opus-4"}},
		"tools": {"exclude": ["bash"]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Gateway.Port)
	}
	// Sibling keys keep their defaults when the file omits them.
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default 127.0.0.1", cfg.Gateway.Host)
	}
	if cfg.Engines.Anthropic.Model != "claude-opus-4" {
		t.Errorf("model = %q, want claude-opus-4", cfg.Engines.Anthropic.Model)
	}
	if cfg.Engines.Anthropic.BaseURL != "https://api.anthropic.com" {
		t.Errorf("baseUrl = %q, want default", cfg.Engines.Anthropic.BaseURL)
	}
	if len(cfg.Tools.Exclude) != 1 || cfg.Tools.Exclude[0] != "bash" {
		t.Errorf("tools.exclude = %v, want [bash]", cfg.Tools.Exclude)
	}
	if cfg.Tools.WorkerPool.Size != 4 {
		t.Errorf("workerPool.size = %d, want default 4", cfg.Tools.WorkerPool.Size)
	}
}

func TestLoadAcceptsJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		// comments and trailing commas are fine
		gateway: {port: 9999,},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("GATEHOUSE_TEST_PLAIN", "hello")
	t.Setenv("GATEHOUSE_TEST_QUOTED", `va"lue`)
	os.Unsetenv("GATEHOUSE_TEST_MISSING")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": "${GATEHOUSE_TEST_PLAIN}"}`, `{"a": "hello"}`},
		{"missing becomes empty", `{"a": "${GATEHOUSE_TEST_MISSING}"}`, `{"a": ""}`},
		{"quotes escaped", `{"a": "${GATEHOUSE_TEST_QUOTED}"}`, `{"a": "va\"lue"}`},
		{"embedded", `{"a": "pre-${GATEHOUSE_TEST_PLAIN}-post"}`, `{"a": "pre-hello-post"}`},
		{"no reference untouched", `{"a": "$HOME"}`, `{"a": "$HOME"}`},
		{"invalid name untouched", `{"a": "${9BAD}"}`, `{"a": "${9BAD}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(expandVars([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("expandVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSidecarEnvLoadedBeforeSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"secrets": {"envFile": ".env.test"},
		"engines": {"anthropic": {"apiKey": "${GATEHOUSE_TEST_SIDECAR_A}"}}
	}`)
	writeFile(t, filepath.Join(dir, ".env.test"), "GATEHOUSE_TEST_SIDECAR_A=from-sidecar\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engines.Anthropic.APIKey != "from-sidecar" {
		t.Errorf("apiKey = %q, want from-sidecar", cfg.Engines.Anthropic.APIKey)
	}
}

func TestSidecarEnvNeverOverwritesProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"secrets": {"envFile": ".env.test"},
		"engines": {"anthropic": {"apiKey": "${GATEHOUSE_TEST_SIDECAR_B}"}}
	}`)
	writeFile(t, filepath.Join(dir, ".env.test"), "GATEHOUSE_TEST_SIDECAR_B=from-sidecar\n")

	t.Setenv("GATEHOUSE_TEST_SIDECAR_B", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engines.Anthropic.APIKey != "from-env" {
		t.Errorf("apiKey = %q, want from-env (process env wins)", cfg.Engines.Anthropic.APIKey)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEHOUSE_PORT", "10100")
	t.Setenv("GATEHOUSE_TELEGRAM_TOKEN", "tg-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 10100 {
		t.Errorf("port = %d, want 10100", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-secret" {
		t.Errorf("telegram not auto-enabled from env: %+v", cfg.Channels.Telegram)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port out of range"},
		{"port too high", func(c *Config) { c.Gateway.Port = 99999 }, "gateway.port out of range"},
		{"bad autonomy", func(c *Config) { c.Security.Autonomy.Level = "yolo" }, "security.autonomy.level invalid"},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "trace" }, "observability.logLevel invalid"},
		{"bad strategy", func(c *Config) { c.Context.Strategy = "forget_everything" }, "context.strategy invalid"},
		{"bad tunnel provider", func(c *Config) { c.Tunnel.Provider = "ngrok" }, "tunnel.provider invalid"},
		{"subprocess without command", func(c *Config) { c.Engines.Default = "subprocess" }, "engines.subprocess.command is required"},
		{"rule without agent", func(c *Config) {
			c.Routing.Rules = []RoutingRule{{Channel: "*", Match: ".*"}}
		}, "routing.rules[0].agent is required"},
		{"job without schedule", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{Name: "daily", Message: "hi"}}
		}, "scheduler.jobs[0].schedule is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveOmitsEnvOnlySecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Tunnel.AuthKey = "tskey-secret"
	cfg.Storage.PostgresDSN = "postgres://u:p@h/db"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(raw), "tskey-secret") || strings.Contains(string(raw), "postgres://") {
		t.Error("saved config contains env-only secrets")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Engines.Anthropic.APIKey = "sk-ant-real"
	cfg.Channels.Telegram.Token = "tg-real"

	masked := cfg.MaskedCopy()
	if masked.Engines.Anthropic.APIKey != secretMask {
		t.Errorf("apiKey = %q, want masked", masked.Engines.Anthropic.APIKey)
	}
	if masked.Channels.Telegram.Token != secretMask {
		t.Errorf("telegram token = %q, want masked", masked.Channels.Telegram.Token)
	}
	// Original untouched.
	if cfg.Engines.Anthropic.APIKey != "sk-ant-real" {
		t.Error("MaskedCopy mutated the original")
	}
}
