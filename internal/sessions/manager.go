// Package sessions tracks live conversation sessions: creation,
// lookup, idle eviction, and per-run metrics.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config is the per-session agent configuration. New sessions inherit
// the manager's defaults unless the router overrides fields.
type Config struct {
	AgentName     string   `json:"agentName"`
	Model         string   `json:"model,omitempty"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	ToolExclude   []string `json:"toolExclude,omitempty"`
}

// Metadata accumulates run counters across a session's turns.
type Metadata struct {
	LoopIterations  int `json:"loopIterations"`
	LLMCalls        int `json:"llmCalls"`
	ToolInvocations int `json:"toolInvocations"`
	Errors          int `json:"errors"`
}

// Session is a snapshot of one conversation session. Values returned
// by the Manager are copies; mutation goes through Manager methods.
type Session struct {
	ID           string    `json:"id"`
	Config       Config    `json:"config"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Metadata     Metadata  `json:"metadata"`
}

// Manager owns the session table. All access is internally serialised.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	defaults Config
	now      func() time.Time
}

// NewManager creates a Manager whose new sessions inherit defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		defaults: defaults,
		now:      time.Now,
	}
}

// CreateSession registers a new active session. Zero config fields are
// filled from the manager defaults.
func (m *Manager) CreateSession(cfg Config) Session {
	if cfg.AgentName == "" {
		cfg.AgentName = m.defaults.AgentName
	}
	if cfg.Model == "" {
		cfg.Model = m.defaults.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = m.defaults.SystemPrompt
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = m.defaults.MaxIterations
	}
	if cfg.ToolExclude == nil {
		cfg.ToolExclude = append([]string(nil), m.defaults.ToolExclude...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		Config:       cfg,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[s.ID] = s
	return *s
}

// GetSession returns a copy of the session, if it exists.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListSessions returns copies of all live sessions ordered by creation
// time.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EndSession removes the session. Ending an unknown id is a no-op.
func (m *Manager) EndSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// TouchSession refreshes lastActiveAt. Unknown ids are ignored.
func (m *Manager) TouchSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActiveAt = m.now()
	}
}

// SetStatus transitions the session status.
func (m *Manager) SetStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = status
		s.LastActiveAt = m.now()
	}
}

// AccumulateMetrics adds run counters onto the session metadata and
// refreshes lastActiveAt.
func (m *Manager) AccumulateMetrics(id string, d Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Metadata.LoopIterations += d.LoopIterations
	s.Metadata.LLMCalls += d.LLMCalls
	s.Metadata.ToolInvocations += d.ToolInvocations
	s.Metadata.Errors += d.Errors
	s.LastActiveAt = m.now()
}

// EvictIdle removes sessions whose idle time exceeds maxIdle and
// returns how many were evicted.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	evicted := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastActiveAt) > maxIdle {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}
