// Package pairing mints short-lived pairing codes and exchanges them,
// one time each, for bearer tokens that authenticate the HTTP control
// plane. Only token hashes are kept; the token itself is shown once.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// codeAlphabet has 32 symbols; 0, O, 1, and I are excluded because
// they read ambiguously when codes are dictated or retyped.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// CodeLength is the pairing code length in characters.
	CodeLength = 6
	// CodeTTL is how long a pairing code stays exchangeable.
	CodeTTL = 5 * time.Minute
	// TokenTTL is the paired-client token lifetime.
	TokenTTL = 30 * 24 * time.Hour
	// MaxActiveCodes caps concurrently outstanding codes.
	MaxActiveCodes = 5
	// MaxClients caps paired clients; exceeding it evicts the client
	// with the oldest lastSeenAt.
	MaxClients = 20

	tokenBytes = 32
)

// ErrTooManyCodes is returned by GenerateCode at the active-code cap.
var ErrTooManyCodes = errors.New("too many active pairing codes")

// Code is an outstanding pairing code.
type Code struct {
	Code      string    `json:"code"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client is a paired API client. TokenHash is the SHA-256 of the
// bearer token; TokenPreview is the first few characters kept for
// display.
type Client struct {
	TokenHash    string    `json:"tokenHash"`
	TokenPreview string    `json:"tokenPreview"`
	Label        string    `json:"label,omitempty"`
	PairedAt     time.Time `json:"pairedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Stats summarises pairing state for /health and the CLI.
type Stats struct {
	ActiveCodes   int `json:"activeCodes"`
	PairedClients int `json:"pairedClients"`
}

// State is the persisted pairing state. It stays small: at most
// MaxActiveCodes codes and MaxClients clients.
type State struct {
	Codes   []Code   `json:"codes"`
	Clients []Client `json:"clients"`
}

// Store persists pairing state across restarts. Load returns an empty
// State when nothing was saved yet.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// Manager owns pairing codes and paired clients. Expired entries are
// pruned lazily on every operation; persistence failures are logged
// and never fail the caller.
type Manager struct {
	mu      sync.Mutex
	codes   map[string]Code
	clients map[string]Client // keyed by token hash
	store   Store

	now  func() time.Time
	rand io.Reader
}

// NewManager creates a Manager, restoring state from store when one is
// given.
func NewManager(store Store) *Manager {
	m := &Manager{
		codes:   make(map[string]Code),
		clients: make(map[string]Client),
		store:   store,
		now:     time.Now,
		rand:    rand.Reader,
	}
	if store != nil {
		st, err := store.Load()
		if err != nil {
			slog.Warn("pairing.load_failed", "error", err)
			return m
		}
		for _, c := range st.Codes {
			m.codes[c.Code] = c
		}
		for _, cl := range st.Clients {
			m.clients[cl.TokenHash] = cl
		}
		m.pruneLocked()
	}
	return m
}

// GenerateCode mints a new pairing code. It fails with ErrTooManyCodes
// when MaxActiveCodes unexpired codes already exist.
func (m *Manager) GenerateCode(label string) (Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	if len(m.codes) >= MaxActiveCodes {
		return Code{}, ErrTooManyCodes
	}

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return Code{}, err
	}

	now := m.now()
	c := Code{
		Code:      code,
		Label:     strings.TrimSpace(label),
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	m.codes[code] = c
	m.persistLocked()
	return c, nil
}

// ListCodes returns unexpired codes ordered by creation.
func (m *Manager) ListCodes() []Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	out := make([]Code, 0, len(m.codes))
	for _, c := range m.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RevokeCode removes a code before it is exchanged.
func (m *Manager) RevokeCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	code = normalizeCode(code)
	if _, ok := m.codes[code]; !ok {
		return false
	}
	delete(m.codes, code)
	m.persistLocked()
	return true
}

// ExchangeCode consumes a pairing code and returns a fresh bearer
// token. It returns ok=false for unknown, expired, or already-consumed
// codes; it never fails loudly.
func (m *Manager) ExchangeCode(code, clientLabel string) (token string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	code = normalizeCode(code)
	if _, exists := m.codes[code]; !exists {
		return "", false
	}
	delete(m.codes, code)

	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		slog.Error("pairing.token_mint_failed", "error", err)
		return "", false
	}
	token = hex.EncodeToString(buf)

	if len(m.clients) >= MaxClients {
		m.evictOldestLocked()
	}

	now := m.now()
	hash := hashToken(token)
	m.clients[hash] = Client{
		TokenHash:    hash,
		TokenPreview: token[:8] + "...",
		Label:        strings.TrimSpace(clientLabel),
		PairedAt:     now,
		LastSeenAt:   now,
		ExpiresAt:    now.Add(TokenTTL),
	}
	m.persistLocked()
	return token, true
}

// ValidateToken reports whether token belongs to an unexpired paired
// client, refreshing its lastSeenAt on success.
func (m *Manager) ValidateToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := hashToken(token)
	cl, ok := m.clients[hash]
	if !ok {
		return false
	}
	now := m.now()
	if !cl.ExpiresAt.After(now) {
		delete(m.clients, hash)
		m.persistLocked()
		return false
	}
	cl.LastSeenAt = now
	m.clients[hash] = cl
	m.persistLocked()
	return true
}

// ListClients returns unexpired paired clients ordered by pairing time.
func (m *Manager) ListClients() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	out := make([]Client, 0, len(m.clients))
	for _, cl := range m.clients {
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out
}

// RevokeClient removes a paired client by token hash.
func (m *Manager) RevokeClient(tokenHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[tokenHash]; !ok {
		return false
	}
	delete(m.clients, tokenHash)
	m.persistLocked()
	return true
}

// Stats returns counts after pruning expired entries.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return Stats{ActiveCodes: len(m.codes), PairedClients: len(m.clients)}
}

func (m *Manager) pruneLocked() {
	now := m.now()
	changed := false
	for code, c := range m.codes {
		if !c.ExpiresAt.After(now) {
			delete(m.codes, code)
			changed = true
		}
	}
	for hash, cl := range m.clients {
		if !cl.ExpiresAt.After(now) {
			delete(m.clients, hash)
			changed = true
		}
	}
	if changed {
		m.persistLocked()
	}
}

func (m *Manager) evictOldestLocked() {
	oldest := ""
	var oldestSeen time.Time
	for hash, cl := range m.clients {
		if oldest == "" || cl.LastSeenAt.Before(oldestSeen) ||
			(cl.LastSeenAt.Equal(oldestSeen) && hash < oldest) {
			oldest = hash
			oldestSeen = cl.LastSeenAt
		}
	}
	if oldest != "" {
		delete(m.clients, oldest)
	}
}

func (m *Manager) uniqueCodeLocked() (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(m.rand, CodeLength)
		if err != nil {
			return "", err
		}
		if _, taken := m.codes[code]; taken {
			continue
		}
		return code, nil
	}
	return "", errors.New("failed to generate unique pairing code")
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	st := State{
		Codes:   make([]Code, 0, len(m.codes)),
		Clients: make([]Client, 0, len(m.clients)),
	}
	for _, c := range m.codes {
		st.Codes = append(st.Codes, c)
	}
	for _, cl := range m.clients {
		st.Clients = append(st.Clients, cl)
	}
	if err := m.store.Save(st); err != nil {
		slog.Warn("pairing.persist_failed", "error", err)
	}
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
