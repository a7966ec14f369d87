// Package store selects the persistence backend for pairing state:
// a local JSON file by default, Postgres when a DSN is configured.
package store

import (
	"fmt"

	"github.com/gatehouselabs/gatehouse/internal/pairing"
	"github.com/gatehouselabs/gatehouse/internal/store/file"
	"github.com/gatehouselabs/gatehouse/internal/store/pg"
)

// Config names the backend inputs.
type Config struct {
	PostgresDSN string // selects Postgres when non-empty
	PairingFile string // JSON file path for the default backend
}

// NewPairingStore returns the pairing store for cfg. The Postgres
// schema must already exist (gatehouse migrate up).
func NewPairingStore(cfg Config) (pairing.Store, error) {
	if cfg.PostgresDSN != "" {
		db, err := pg.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg.NewPairingStore(db), nil
	}
	return file.NewPairingStore(cfg.PairingFile), nil
}
