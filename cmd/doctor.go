package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/memory"
	"github.com/gatehouselabs/gatehouse/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and backing services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

type check struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

// runDoctor prints a pass/fail line per check and a summary. Checks
// never mutate state.
func runDoctor(ctx context.Context) error {
	configPath := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return fmt.Errorf("fix the configuration before re-running doctor")
	}
	fmt.Printf("✓ config: %s parses and validates\n", configPath)

	checks := []check{
		{"engine", checkEngine},
		{"channels", checkChannels},
		{"pairing store", checkPairingStore},
		{"memory", checkMemory},
		{"gateway port", checkPort},
	}

	failed := 0
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.run(cctx, cfg)
		cancel()
		if err != nil {
			fmt.Printf("✗ %s: %v\n", c.name, err)
			failed++
			continue
		}
		fmt.Printf("✓ %s\n", c.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}

// checkEngine verifies credentials are present and, for the HTTP
// engine, that the API endpoint answers.
func checkEngine(ctx context.Context, cfg *config.Config) error {
	switch cfg.Engines.Default {
	case "", "anthropic":
		if cfg.Engines.Anthropic.APIKey == "" {
			return fmt.Errorf("engines.anthropic.apiKey is empty (is the env sidecar loaded?)")
		}
		base := cfg.Engines.Anthropic.BaseURL
		if base == "" {
			base = "https://api.anthropic.com"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, base, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("endpoint %s unreachable: %w", base, err)
		}
		resp.Body.Close()
		return nil
	case "subprocess":
		if cfg.Engines.Subprocess.Command == "" {
			return fmt.Errorf("engines.subprocess.command is empty")
		}
		return nil
	default:
		return fmt.Errorf("unknown engine %q", cfg.Engines.Default)
	}
}

func checkChannels(ctx context.Context, cfg *config.Config) error {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram is enabled but channels.telegram.token is empty")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		return fmt.Errorf("discord is enabled but channels.discord.token is empty")
	}
	if cfg.Channels.Bridge.Enabled && cfg.Channels.Bridge.URL == "" {
		return fmt.Errorf("bridge is enabled but channels.bridge.url is empty")
	}
	return nil
}

func checkPairingStore(ctx context.Context, cfg *config.Config) error {
	_, err := store.NewPairingStore(store.Config{
		PostgresDSN: cfg.Storage.PostgresDSN,
		PairingFile: config.ExpandHome(cfg.Storage.PairingFile),
	})
	return err
}

func checkMemory(ctx context.Context, cfg *config.Config) error {
	if !cfg.Memory.Enabled {
		return nil
	}
	path := config.ExpandHome(cfg.Memory.Path)
	if path == "" {
		return fmt.Errorf("memory is enabled but memory.path is empty")
	}
	m, err := memory.Open(path)
	if err != nil {
		return err
	}
	defer m.Close()
	_, err = m.Count(ctx)
	return err
}

// checkPort reports whether the gateway address is free (or already
// held by a running gateway, which is fine to note).
func checkPort(ctx context.Context, cfg *config.Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s is in use (a gateway may already be running)", addr)
	}
	return ln.Close()
}
