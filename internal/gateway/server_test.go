package gateway

import (
	"bytes"
	"encoding/json"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
	"github.com/gatehouselabs/gatehouse/internal/pairing"
	"github.com/gatehouselabs/gatehouse/internal/sessions"
)

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *pairing.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{Name: "alerts"}}

	pm := pairing.NewManager(nil)
	deps := Deps{
		Config:   cfg,
		Sessions: sessions.NewManager(sessions.Config{}),
		Pairing:  pm,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps), pm
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

// TestPairingFlow walks the full exchange: an unauthorized request is
// rejected, a generated code is traded for a token, and the token then
// grants access.
func TestPairingFlow(t *testing.T) {
	srv, pm := newTestServer(t, nil)
	h := srv.Handler()

	if rec := doJSON(t, h, "GET", "/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated GET /sessions = %d, want 401", rec.Code)
	}

	code, err := pm.GenerateCode("laptop")
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, "POST", "/pair", "", map[string]string{"code": code.Code, "label": "cli"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /pair = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	token, _ := body["token"].(string)
	if body["paired"] != true || token == "" {
		t.Fatalf("pair response = %v, want paired with token", body)
	}

	if rec := doJSON(t, h, "GET", "/sessions", token, nil); rec.Code != http.StatusOK {
		t.Errorf("authenticated GET /sessions = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/sessions", "bogus-token", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token GET /sessions = %d, want 401", rec.Code)
	}
}

// TestPairInvalidCode verifies bad and missing codes are rejected with
// distinct statuses.
func TestPairInvalidCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	if rec := doJSON(t, h, "POST", "/pair", "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing code = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/pair", "", map[string]string{"code": "WRONG"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong code = %d, want 401", rec.Code)
	}
}

// TestHealthPayload verifies /health is open and carries session,
// pairing, and tunnel fields.
func TestHealthPayload(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) {
		d.TunnelStatus = func() string { return "connected" }
	})
	rec := doJSON(t, srv.Handler(), "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want %q", body["status"], "ok")
	}
	if _, ok := body["sessions"]; !ok {
		t.Error("health payload missing sessions count")
	}
	if body["tunnel"] != "connected" {
		t.Errorf("tunnel = %v, want %q", body["tunnel"], "connected")
	}
	if _, ok := body["pairing"]; !ok {
		t.Error("health payload missing pairing stats")
	}
}

// TestReadyGate verifies /ready reflects the readiness hook.
func TestReadyGate(t *testing.T) {
	ready := false
	srv, _ := newTestServer(t, func(d *Deps) {
		d.Ready = func() bool { return ready }
	})
	h := srv.Handler()

	if rec := doJSON(t, h, "GET", "/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready = %d, want 503", rec.Code)
	}
	ready = true
	if rec := doJSON(t, h, "GET", "/ready", "", nil); rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200", rec.Code)
	}
}

// TestSessionLifecycle creates, fetches, steers, and ends a session
// through the REST surface.
func TestSessionLifecycle(t *testing.T) {
	var steered string
	srv, _ := newTestServer(t, func(d *Deps) {
		d.Config.Gateway.PairingEnabled = boolPtr(false)
		d.Steer = func(id, msg string) error {
			steered = id + ":" + msg
			return nil
		}
	})
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/sessions", "", map[string]string{"channelId": "webchat", "userId": "u1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /sessions = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON(t, rec)
	id, _ := created["sessionId"].(string)
	if id == "" || created["status"] != "active" || created["channelId"] != "webchat" {
		t.Fatalf("create response = %v", created)
	}

	if rec := doJSON(t, h, "GET", "/sessions/"+id, "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET session = %d, want 200", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/sessions/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown session = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/sessions/"+id+"/steer", "", map[string]string{"message": "focus on errors"})
	if rec.Code != http.StatusOK {
		t.Fatalf("steer = %d, body %s", rec.Code, rec.Body.String())
	}
	if steered != id+":focus on errors" {
		t.Errorf("steer hook saw %q", steered)
	}
	if rec := doJSON(t, h, "POST", "/sessions/"+id+"/steer", "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("steer without message = %d, want 400", rec.Code)
	}

	if rec := doJSON(t, h, "DELETE", "/sessions/"+id, "", nil); rec.Code != http.StatusOK {
		t.Errorf("DELETE session = %d, want 200", rec.Code)
	}
}

// TestWebhookIngestion verifies a configured webhook publishes an
// inbound message and unknown names are rejected.
func TestWebhookIngestion(t *testing.T) {
	mb := bus.New()
	srv, _ := newTestServer(t, func(d *Deps) {
		d.Config.Gateway.PairingEnabled = boolPtr(false)
		d.Bus = mb
	})
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/webhooks/alerts", "", map[string]string{"message": "disk 90% full", "userId": "monitor"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /webhooks/alerts = %d, body %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("webhook never reached the bus")
	}
	if msg.ChannelID != "webhook:alerts" {
		t.Errorf("channel id = %q, want %q", msg.ChannelID, "webhook:alerts")
	}
	if msg.Text != "disk 90% full" || msg.From.UserID != "monitor" {
		t.Errorf("message = %+v", msg)
	}

	if rec := doJSON(t, h, "POST", "/webhooks/unknown", "", map[string]string{"message": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown webhook = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/webhooks/alerts", "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("webhook without message = %d, want 400", rec.Code)
	}
}

// TestAgentCard verifies the discovery document follows the identity
// toggle.
func TestAgentCard(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if rec := doJSON(t, srv.Handler(), "GET", "/.well-known/agent.json", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("identity disabled = %d, want 404", rec.Code)
	}

	srv2, _ := newTestServer(t, func(d *Deps) {
		d.Config.Gateway.Identity = config.IdentityConfig{Enabled: true, Name: "jeeves", Description: "household agent"}
	})
	rec := doJSON(t, srv2.Handler(), "GET", "/.well-known/agent.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("identity enabled = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["name"] != "jeeves" {
		t.Errorf("name = %v, want %q", body["name"], "jeeves")
	}
}

// TestCORSAndNotFound verifies pre-flight short-circuits and unknown
// routes return a JSON error.
func TestCORSAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}

	// Unknown routes 404 even without credentials; known protected
	// routes still demand the bearer token.
	nf := doJSON(t, h, "GET", "/nowhere", "", nil)
	if nf.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", nf.Code)
	}
	if body := decodeJSON(t, nf); body["error"] == "" {
		t.Error("404 body missing error field")
	}
	if rec := doJSON(t, h, "GET", "/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("protected route without token = %d, want 401", rec.Code)
	}
}

func boolPtr(b bool) *bool { return &b }
