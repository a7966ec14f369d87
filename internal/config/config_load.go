package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return ExpandHome("~/.gatehouse/config.json")
}

// Load reads the config file at path, layering it over Default().
//
// Order of operations:
//  1. load the sidecar env file named by secrets.envFile (values never
//     overwrite variables already set in the process environment)
//  2. substitute ${VAR} references in the raw file with env values;
//     missing variables become empty strings
//  3. parse as JSON5 onto the defaults (objects merge, arrays replace)
//  4. apply GATEHOUSE_* env overrides
//  5. validate
//
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		loadSidecarEnv(path, raw)
		expanded := expandVars(raw)
		if err := json5.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		loadSidecarEnv(path, nil)
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadSidecarEnv loads KEY=VALUE pairs from the sidecar env file into
// the process environment. godotenv.Load never overwrites variables
// already set. The sidecar path is read from the raw config before
// substitution so ${VAR} references can resolve against it; relative
// paths are resolved against the config directory.
func loadSidecarEnv(configPath string, raw []byte) {
	envFile := Default().Secrets.EnvFile
	if len(raw) > 0 {
		var peek struct {
			Secrets SecretsConfig `json:"secrets"`
		}
		if err := json5.Unmarshal(raw, &peek); err == nil && peek.Secrets.EnvFile != "" {
			envFile = peek.Secrets.EnvFile
		}
	}
	envFile = ExpandHome(envFile)
	if !filepath.IsAbs(envFile) {
		envFile = filepath.Join(filepath.Dir(configPath), envFile)
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	_ = godotenv.Load(envFile)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVars substitutes ${VAR} with the environment value, JSON-escaped
// so substitution cannot break the surrounding document. Unset variables
// expand to the empty string.
func expandVars(raw []byte) []byte {
	return varPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		enc, err := json.Marshal(os.Getenv(name))
		if err != nil || len(enc) < 2 {
			return nil
		}
		return enc[1 : len(enc)-1]
	})
}

// applyEnvOverrides overlays GATEHOUSE_* env vars onto the config.
// Env vars take precedence over file values. Channel tokens supplied
// via env also enable the channel.
func applyEnvOverrides(cfg *Config) {
	envStr("GATEHOUSE_MODEL", &cfg.Agent.Model)
	envStr("GATEHOUSE_WORKSPACE", &cfg.Agent.Workspace)
	envStr("GATEHOUSE_HOST", &cfg.Gateway.Host)
	if v := os.Getenv("GATEHOUSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}

	envStr("GATEHOUSE_ANTHROPIC_API_KEY", &cfg.Engines.Anthropic.APIKey)
	if cfg.Engines.Anthropic.APIKey == "" {
		envStr("ANTHROPIC_API_KEY", &cfg.Engines.Anthropic.APIKey)
	}

	if v := os.Getenv("GATEHOUSE_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("GATEHOUSE_DISCORD_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
		cfg.Channels.Discord.Enabled = true
	}

	envStr("GATEHOUSE_POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	envStr("GATEHOUSE_TSNET_AUTH_KEY", &cfg.Tunnel.AuthKey)
	if cfg.Tunnel.AuthKey == "" {
		envStr("TS_AUTHKEY", &cfg.Tunnel.AuthKey)
	}

	envStr("GATEHOUSE_OTLP_ENDPOINT", &cfg.Observability.OtlpEndpoint)
	envStr("GATEHOUSE_LOG_LEVEL", &cfg.Observability.LogLevel)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Save writes cfg to path as indented JSON via a temp file and rename.
// Fields tagged json:"-" (tunnel auth key, Postgres DSN) never reach
// disk.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
