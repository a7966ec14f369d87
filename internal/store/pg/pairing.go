// Package pg implements Postgres persistence for pairing state.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gatehouselabs/gatehouse/internal/pairing"
)

// OpenDB opens and pings a Postgres connection via the pgx stdlib
// driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// PairingStore persists pairing.State in the pairing_codes and
// paired_clients tables (schema in migrations/). The state is bounded
// by the code and client caps, so Save rewrites it wholesale inside a
// transaction.
type PairingStore struct {
	db *sql.DB
}

// NewPairingStore creates a store over an open database handle.
func NewPairingStore(db *sql.DB) *PairingStore {
	return &PairingStore{db: db}
}

// Load reads all codes and clients.
func (s *PairingStore) Load() (pairing.State, error) {
	var st pairing.State

	rows, err := s.db.Query(
		`SELECT code, label, created_at, expires_at FROM pairing_codes`)
	if err != nil {
		return st, fmt.Errorf("load pairing codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c pairing.Code
		if err := rows.Scan(&c.Code, &c.Label, &c.CreatedAt, &c.ExpiresAt); err != nil {
			return st, fmt.Errorf("scan pairing code: %w", err)
		}
		st.Codes = append(st.Codes, c)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	crows, err := s.db.Query(
		`SELECT token_hash, token_preview, label, paired_at, last_seen_at, expires_at
		 FROM paired_clients`)
	if err != nil {
		return st, fmt.Errorf("load paired clients: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var cl pairing.Client
		if err := crows.Scan(&cl.TokenHash, &cl.TokenPreview, &cl.Label,
			&cl.PairedAt, &cl.LastSeenAt, &cl.ExpiresAt); err != nil {
			return st, fmt.Errorf("scan paired client: %w", err)
		}
		st.Clients = append(st.Clients, cl)
	}
	return st, crows.Err()
}

// Save replaces the stored state atomically.
func (s *PairingStore) Save(st pairing.State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pairing_codes`); err != nil {
		return fmt.Errorf("clear pairing codes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM paired_clients`); err != nil {
		return fmt.Errorf("clear paired clients: %w", err)
	}

	for _, c := range st.Codes {
		if _, err := tx.Exec(
			`INSERT INTO pairing_codes (code, label, created_at, expires_at)
			 VALUES ($1, $2, $3, $4)`,
			c.Code, c.Label, c.CreatedAt, c.ExpiresAt); err != nil {
			return fmt.Errorf("insert pairing code: %w", err)
		}
	}
	for _, cl := range st.Clients {
		if _, err := tx.Exec(
			`INSERT INTO paired_clients
			 (token_hash, token_preview, label, paired_at, last_seen_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			cl.TokenHash, cl.TokenPreview, cl.Label,
			cl.PairedAt, cl.LastSeenAt, cl.ExpiresAt); err != nil {
			return fmt.Errorf("insert paired client: %w", err)
		}
	}
	return tx.Commit()
}
