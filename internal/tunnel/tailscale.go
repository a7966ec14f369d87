package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"tailscale.com/tsnet"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// tailscaleTunnel serves the gateway mux on the tailnet via an
// embedded tsnet node. Auth key comes from the environment only.
type tailscaleTunnel struct {
	cfg config.TunnelConfig

	mu       sync.Mutex
	server   *tsnet.Server
	listener net.Listener
	status   string
}

func newTailscale(cfg config.TunnelConfig) *tailscaleTunnel {
	return &tailscaleTunnel{cfg: cfg, status: "stopped"}
}

func (t *tailscaleTunnel) Start(ctx context.Context, handler http.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return nil
	}

	hostname := t.cfg.Hostname
	if hostname == "" {
		hostname = "gatehouse"
	}
	srv := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  t.cfg.AuthKey,
		Dir:      config.ExpandHome(t.cfg.StateDir),
		Logf:     func(string, ...interface{}) {}, // tsnet is chatty; surface state via Status
	}
	if err := srv.Start(); err != nil {
		t.status = "failed"
		return fmt.Errorf("start tsnet: %w", err)
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		srv.Close()
		t.status = "failed"
		return fmt.Errorf("tsnet listen: %w", err)
	}

	t.server = srv
	t.listener = ln
	t.status = "connected"
	slog.Info("tunnel.started", "provider", "tailscale", "hostname", hostname)

	go func() {
		if err := http.Serve(ln, handler); err != nil {
			t.mu.Lock()
			if t.server != nil {
				t.status = "failed"
			}
			t.mu.Unlock()
			slog.Warn("tunnel.serve_stopped", "error", err)
		}
	}()
	return nil
}

func (t *tailscaleTunnel) Stop(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	err := t.server.Close()
	t.server = nil
	t.listener = nil
	t.status = "stopped"
	return err
}

func (t *tailscaleTunnel) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
