package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/memory"
	"github.com/gatehouselabs/gatehouse/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (memory sqlite, optional Postgres)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

// runMigrate brings every configured database up to the current
// schema. Opening the memory store applies its embedded sqlite
// migrations as a side effect.
func runMigrate() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	if cfg.Memory.Enabled {
		path := config.ExpandHome(cfg.Memory.Path)
		if path == "" {
			path = config.ExpandHome("~/.gatehouse/memory.db")
		}
		m, err := memory.Open(path)
		if err != nil {
			return fmt.Errorf("memory migrations: %w", err)
		}
		m.Close()
		fmt.Printf("memory sqlite up to date: %s\n", path)
	}

	if cfg.Storage.PostgresDSN != "" {
		db, err := pg.OpenDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		if err := pg.Migrate(db); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		fmt.Println("postgres pairing schema up to date")
	}

	if !cfg.Memory.Enabled && cfg.Storage.PostgresDSN == "" {
		fmt.Println("nothing to migrate: memory disabled and no postgres DSN configured")
	}
	return nil
}
