package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/pairing"
	"github.com/gatehouselabs/gatehouse/internal/store"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage pairing codes and paired clients",
	}
	cmd.AddCommand(pairNewCmd(), pairListCmd(), pairRevokeCmd())
	return cmd
}

// openPairing loads the config and opens the pairing manager over the
// configured store (file or Postgres).
func openPairing() (*pairing.Manager, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	ps, err := store.NewPairingStore(store.Config{
		PostgresDSN: cfg.Storage.PostgresDSN,
		PairingFile: config.ExpandHome(cfg.Storage.PairingFile),
	})
	if err != nil {
		return nil, fmt.Errorf("pairing store: %w", err)
	}
	return pairing.NewManager(ps), nil
}

func pairNewCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Mint a one-time pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := openPairing()
			if err != nil {
				return err
			}
			code, err := pm.GenerateCode(label)
			if err != nil {
				return err
			}
			fmt.Printf("code: %s (expires %s)\n", code.Code, code.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label for the code")
	return cmd
}

func pairListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active codes and paired clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := openPairing()
			if err != nil {
				return err
			}
			codes := pm.ListCodes()
			fmt.Printf("active codes (%d):\n", len(codes))
			for _, c := range codes {
				fmt.Printf("  %s  label=%q  expires=%s\n", c.Code, c.Label, c.ExpiresAt.Format(time.RFC3339))
			}
			clients := pm.ListClients()
			fmt.Printf("paired clients (%d):\n", len(clients))
			for _, c := range clients {
				fmt.Printf("  %s…  label=%q  paired=%s\n", c.TokenPreview, c.Label, c.PairedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pairRevokeCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "revoke [code]",
		Short: "Revoke a pairing code or a paired client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, err := openPairing()
			if err != nil {
				return err
			}
			switch {
			case client != "":
				if !pm.RevokeClient(client) {
					return fmt.Errorf("no client with token hash %q", client)
				}
				fmt.Println("client revoked")
			case len(args) == 1:
				if !pm.RevokeCode(args[0]) {
					return fmt.Errorf("no active code %q", args[0])
				}
				fmt.Println("code revoked")
			default:
				return fmt.Errorf("pass a code or --client <token-hash>")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "token hash of the client to revoke")
	return cmd
}
