// Package tunnel exposes the gateway mux beyond localhost. The
// tailscale provider serves the same handler over the tailnet; the
// noop provider satisfies the interface when tunneling is off.
package tunnel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

// Tunnel serves an HTTP handler over an external network path.
type Tunnel interface {
	Start(ctx context.Context, handler http.Handler) error
	Stop(ctx context.Context) error
	Status() string
}

// New builds the configured tunnel provider.
func New(cfg config.TunnelConfig) (Tunnel, error) {
	switch cfg.Provider {
	case "", "none":
		return Noop{}, nil
	case "tailscale":
		return newTailscale(cfg), nil
	default:
		return nil, fmt.Errorf("tunnel.provider invalid: %q", cfg.Provider)
	}
}

// Noop is the disabled tunnel.
type Noop struct{}

func (Noop) Start(context.Context, http.Handler) error { return nil }
func (Noop) Stop(context.Context) error                { return nil }
func (Noop) Status() string                            { return "disabled" }
