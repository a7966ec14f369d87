// Package webchat is the WebSocket chat surface. The gateway mounts
// Handler() at /ws behind bearer auth; each connection is one
// conversation speaking pkg/protocol frames.
package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/pkg/protocol"
)

// writeTimeout bounds one frame write.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in the gateway middleware before the upgrade; the
	// browser origin carries no extra signal here.
	CheckOrigin: func(*http.Request) bool { return true },
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serialises writes
}

func (c *conn) write(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

// Channel is the webchat adapter. Recipient addresses are connection
// ids, handed to the client in the hello frame.
type Channel struct {
	mu      sync.Mutex
	handler func(bus.InboundMessage)
	conns   map[string]*conn
	running bool
}

// New creates the adapter.
func New() *Channel {
	return &Channel{conns: make(map[string]*conn)}
}

func (c *Channel) ID() string { return "webchat" }

// OnMessage sets the inbound handler.
func (c *Channel) OnMessage(handler func(bus.InboundMessage)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start marks the surface live and blocks until ctx ends; connections
// arrive through Handler on the gateway's HTTP server.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	slog.Info("channel.started", "channel", "webchat")
	<-ctx.Done()
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return ctx.Err()
}

// Stop closes every open connection.
func (c *Channel) Stop(context.Context) error {
	c.mu.Lock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[string]*conn)
	c.running = false
	c.mu.Unlock()
	for _, cn := range conns {
		cn.ws.Close()
	}
	return nil
}

// Healthy reports whether the surface accepts connections.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Handler returns the HTTP handler to mount at /ws.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("webchat.upgrade_failed", "error", err)
			return
		}
		go c.serve(ws)
	})
}

func (c *Channel) serve(ws *websocket.Conn) {
	connID := uuid.NewString()
	cn := &conn{ws: ws}

	c.mu.Lock()
	c.conns[connID] = cn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.conns, connID)
		c.mu.Unlock()
		ws.Close()
	}()

	if err := cn.write(protocol.Hello(connID)); err != nil {
		return
	}
	slog.Debug("webchat.connected", "conn", connID)

	for {
		var frame protocol.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			slog.Debug("webchat.disconnected", "conn", connID, "error", err)
			return
		}
		switch frame.Type {
		case protocol.FramePing:
			cn.write(protocol.Frame{Type: protocol.FramePong})
		case protocol.FrameMessage:
			c.dispatch(connID, frame)
		}
	}
}

func (c *Channel) dispatch(connID string, frame protocol.Frame) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	user := frame.User
	if user == "" {
		user = connID
	}
	handler(bus.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: c.ID(),
		From: bus.Sender{
			ChannelID: c.ID(),
			UserID:    user,
			Name:      frame.User,
		},
		Text:      frame.Text,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"chatId": connID},
	})
}

// Send delivers a reply frame to one connection.
func (c *Channel) Send(_ context.Context, recipient string, msg bus.OutboundMessage) error {
	cn, err := c.connFor(recipient)
	if err != nil {
		return err
	}
	return cn.write(protocol.Message(uuid.NewString(), msg.Text))
}

// SendTracked sends a reply and returns its frame id for later edits.
func (c *Channel) SendTracked(_ context.Context, recipient string, msg bus.OutboundMessage) (string, error) {
	cn, err := c.connFor(recipient)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := cn.write(protocol.Message(id, msg.Text)); err != nil {
		return "", err
	}
	return id, nil
}

// EditMessage replaces an earlier reply in place.
func (c *Channel) EditMessage(_ context.Context, recipient, messageID string, msg bus.OutboundMessage) error {
	cn, err := c.connFor(recipient)
	if err != nil {
		return err
	}
	return cn.write(protocol.Edit(messageID, msg.Text))
}

func (c *Channel) connFor(recipient string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[recipient]
	if !ok {
		return nil, fmt.Errorf("webchat: connection %q is gone", recipient)
	}
	return cn, nil
}
