// Package gateway is the HTTP control plane: health, pairing, session
// management, webhook ingestion, and the webchat WebSocket mount. All
// routes speak JSON; everything except the exempt paths requires a
// paired bearer token.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/pairing"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
)

// exemptPaths skip bearer auth.
var exemptPaths = map[string]bool{
	"/health":                 true,
	"/ready":                  true,
	"/pair":                   true,
	"/.well-known/agent.json": true,
}

// pairBurst bounds /pair attempts: one per second sustained, small
// burst, against code brute-forcing.
const pairBurst = 5

// Deps wires the server. Config and Sessions are required; the rest
// degrade gracefully when absent.
type Deps struct {
	Config   *config.Config
	Sessions *sessions.Manager
	Pairing  *pairing.Manager // nil = auth disabled
	Bus      *bus.MessageBus  // webhook ingestion
	// TunnelStatus reports the tunnel state for /health.
	TunnelStatus func() string
	// Ready gates /ready; nil means ready once the server is up.
	Ready func() bool
	// Steer injects a message into a session's in-flight run.
	Steer func(sessionID, message string) error
	// Webchat, when set, is mounted at GET /ws (auth required).
	Webchat http.Handler
}

// Server is the control plane HTTP server.
type Server struct {
	deps        Deps
	mux         *http.ServeMux
	httpServer  *http.Server
	pairLimiter *rate.Limiter
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		mux:         http.NewServeMux(),
		pairLimiter: rate.NewLimiter(rate.Every(time.Second), pairBurst),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	s.mux.HandleFunc("POST /pair", s.handlePair)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /sessions/{id}/steer", s.handleSteerSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /webhooks/{name}", s.handleWebhook)
	if s.deps.Webchat != nil {
		s.mux.Handle("GET /ws", s.deps.Webchat)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.cors(s.auth(s.mux))
}

// Start listens and serves until Shutdown. Returns once the listener
// is bound; serve errors are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Gateway.Host, s.deps.Config.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway.serve_failed", "error", err)
		}
	}()
	slog.Info("gateway.started", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops accepting connections and drains handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// cors answers pre-flight with 204 and stamps every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auth enforces the paired bearer token outside the exempt paths.
// Unknown routes resolve to 404 first: the mux's catch-all pattern "/"
// only matches paths no real route claims, and those must not demand
// credentials.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := s.mux.Handler(r); pattern == "" || pattern == "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if exemptPaths[r.URL.Path] || s.deps.Pairing == nil || !s.deps.Config.Gateway.PairingOn() {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") || !s.deps.Pairing.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.deps.Sessions.Count(),
	}
	if s.deps.Pairing != nil {
		body["pairing"] = s.deps.Pairing.Stats()
	}
	if s.deps.TunnelStatus != nil {
		body["tunnel"] = s.deps.TunnelStatus()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Config.Gateway.Identity
	if !id.Enabled {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	name := id.Name
	if name == "" {
		name = "gatehouse"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        name,
		"description": id.Description,
		"capabilities": []string{
			"chat", "sessions", "webhooks",
		},
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if !s.pairLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many pairing attempts")
		return
	}
	if s.deps.Pairing == nil || !s.deps.Config.Gateway.PairingOn() {
		writeError(w, http.StatusBadRequest, "pairing is disabled")
		return
	}
	var body struct {
		Code  string `json:"code"`
		Label string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	token, ok := s.deps.Pairing.ExchangeCode(strings.TrimSpace(body.Code), body.Label)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired code")
		return
	}
	slog.Info("pairing.code_exchanged", "label", body.Label)
	writeJSON(w, http.StatusOK, map[string]interface{}{"paired": true, "token": token})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.deps.Sessions.ListSessions(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelID string `json:"channelId"`
		UserID    string `json:"userId"`
		Model     string `json:"model"`
	}
	decodeBody(r, &body) // all fields optional

	sess := s.deps.Sessions.CreateSession(sessions.Config{Model: body.Model})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId": sess.ID,
		"channelId": body.ChannelID,
		"userId":    body.UserID,
		"status":    sess.Status,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSteerSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Sessions.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if s.deps.Steer != nil {
		if err := s.deps.Steer(id, body.Message); err != nil {
			slog.Debug("gateway.steer_missed", "session", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steered": true, "message": body.Message})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Sessions.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.deps.Sessions.EndSession(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ended": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.webhookKnown(name) {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	var body struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if s.deps.Bus != nil {
		channelID := "webhook:" + name
		s.deps.Bus.PublishInbound(bus.InboundMessage{
			ID:        uuid.NewString(),
			ChannelID: channelID,
			From:      bus.Sender{ChannelID: channelID, UserID: body.UserID},
			Text:      body.Message,
			Timestamp: time.Now(),
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *Server) webhookKnown(name string) bool {
	for _, wh := range s.deps.Config.Webhooks {
		if wh.Name == name {
			return true
		}
	}
	return false
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway.write_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
