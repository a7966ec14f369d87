package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: write config.json and .env.local",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks a huh form and writes the config plus a secrets
// sidecar. Secrets never land in config.json; the config references
// them with ${VAR} substitution.
func runOnboard() error {
	var (
		apiKey        string
		model         = "claude-sonnet-4-5"
		port          = "8787"
		telegramToken string
		discordToken  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Anthropic API key").
				Description("Stored in .env.local, not in config.json").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("an API key is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Model").
				Value(&model),
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("port must be 1-65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	configPath := resolveConfigPath()
	envPath := filepath.Join(filepath.Dir(configPath), ".env.local")

	cfg := config.Default()
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Engines.Anthropic.APIKey = "${ANTHROPIC_API_KEY}"
	cfg.Engines.Anthropic.Model = model
	cfg.Secrets.EnvFile = ".env.local"

	var env strings.Builder
	fmt.Fprintf(&env, "ANTHROPIC_API_KEY=%s\n", apiKey)
	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
		fmt.Fprintf(&env, "TELEGRAM_BOT_TOKEN=%s\n", telegramToken)
	}
	if discordToken != "" {
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = "${DISCORD_BOT_TOKEN}"
		fmt.Fprintf(&env, "DISCORD_BOT_TOKEN=%s\n", discordToken)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(envPath, []byte(env.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}
	if err := config.Save(cfg, configPath); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Printf("\nWrote %s and %s.\n\nNext steps:\n", configPath, envPath)
	fmt.Println("  gatehouse            # start the gateway")
	fmt.Println("  gatehouse pair new   # mint a pairing code")
	fmt.Println("  gatehouse chat --code <code>")
	return nil
}
