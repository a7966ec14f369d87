// Package bridge adapts an external bridge process (for example a
// WhatsApp bridge) to the channel fabric: the gateway dials the
// bridge's WebSocket and exchanges bus message shapes as JSON, so any
// process that speaks the shape becomes a channel.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
)

// Reconnect backoff bounds.
const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// dialTimeout bounds one connection attempt.
const dialTimeout = 10 * time.Second

// frame is the bridge wire shape. The bridge sends inbound, the
// gateway sends outbound.
type frame struct {
	Type     string               `json:"type"` // "inbound" or "outbound"
	Inbound  *bus.InboundMessage  `json:"inbound,omitempty"`
	Outbound *bus.OutboundMessage `json:"outbound,omitempty"`
}

// Channel is the bridge adapter. Recipient addresses are whatever the
// bridge process uses; they pass through opaquely.
type Channel struct {
	name string
	url  string

	mu        sync.Mutex
	handler   func(bus.InboundMessage)
	conn      *websocket.Conn
	connected bool
}

// New creates the adapter for one bridge endpoint.
func New(cfg config.BridgeConfig) *Channel {
	name := cfg.Name
	if name == "" {
		name = "bridge"
	}
	return &Channel{name: name, url: cfg.URL}
}

func (c *Channel) ID() string { return c.name }

// OnMessage sets the inbound handler.
func (c *Channel) OnMessage(handler func(bus.InboundMessage)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start dials the bridge and reads until ctx ends, reconnecting with
// exponential backoff when the socket drops. Runs as a supervisor
// child.
func (c *Channel) Start(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("bridge %s: url is required", c.name)
	}
	backoff := reconnectBase
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("bridge.disconnected", "channel", c.name, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session runs one connection lifetime.
func (c *Channel) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	slog.Info("bridge.connected", "channel", c.name, "url", c.url)
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if f.Type != "inbound" || f.Inbound == nil {
			continue
		}
		msg := *f.Inbound
		msg.ChannelID = c.name
		msg.From.ChannelID = c.name
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Stop closes the live connection; Start's read loop then exits.
func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

// Healthy reports whether the socket is up.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send forwards an outbound message to the bridge process.
func (c *Channel) Send(ctx context.Context, recipient string, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge %s: not connected", c.name)
	}
	msg.Recipient = recipient
	return wsjson.Write(ctx, conn, frame{Type: "outbound", Outbound: &msg})
}
