// Package discord adapts Discord (gateway websocket via discordgo) to
// the channel fabric.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
)

// Channel is the Discord adapter. Recipient addresses are Discord
// channel ids.
type Channel struct {
	cfg config.DiscordConfig

	mu      sync.Mutex
	session *discordgo.Session
	handler func(bus.InboundMessage)
	running bool
}

// New creates the adapter; the gateway session opens on Start.
func New(cfg config.DiscordConfig) *Channel {
	return &Channel{cfg: cfg}
}

func (c *Channel) ID() string { return "discord" }

// OnMessage sets the inbound handler. Must be called before Start.
func (c *Channel) OnMessage(handler func(bus.InboundMessage)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start opens the gateway session and blocks until ctx is cancelled,
// so it runs as a supervisor child.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(c.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.running = true
	c.mu.Unlock()
	slog.Info("channel.started", "channel", "discord")

	<-ctx.Done()

	c.mu.Lock()
	c.session = nil
	c.running = false
	c.mu.Unlock()
	if err := session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return ctx.Err()
}

// Stop is handled by context cancellation in Start; nothing extra.
func (c *Channel) Stop(context.Context) error { return nil }

// Healthy reports whether the gateway session is open.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if !c.allowed(m.Author.ID, m.Author.Username) {
		slog.Debug("discord.sender_rejected", "user", m.Author.ID)
		return
	}

	from := bus.Sender{
		ChannelID: c.ID(),
		UserID:    m.Author.ID,
		Name:      m.Author.Username,
	}
	if m.GuildID != "" {
		from.GroupID = m.GuildID
		from.ThreadID = m.ChannelID
	}

	inbound := bus.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: c.ID(),
		From:      from,
		Text:      m.Content,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"chatId":    m.ChannelID,
			"messageId": m.ID,
		},
	}
	for _, att := range m.Attachments {
		inbound.Attachments = append(inbound.Attachments, bus.Attachment{
			Kind: kindFor(att.ContentType),
			URL:  att.URL,
			MIME: att.ContentType,
			Name: att.Filename,
		})
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(inbound)
	}
}

func (c *Channel) allowed(userID, username string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, entry := range c.cfg.AllowFrom {
		if entry == userID || entry == username || entry == "@"+username {
			return true
		}
	}
	return false
}

// Send delivers text to a Discord channel id.
func (c *Channel) Send(ctx context.Context, recipient string, msg bus.OutboundMessage) error {
	_, err := c.SendTracked(ctx, recipient, msg)
	return err
}

// SendTracked sends and returns the message id for later edits.
func (c *Channel) SendTracked(_ context.Context, recipient string, msg bus.OutboundMessage) (string, error) {
	session := c.liveSession()
	if session == nil {
		return "", fmt.Errorf("discord: not connected")
	}
	sent, err := session.ChannelMessageSend(recipient, msg.Text)
	if err != nil {
		return "", fmt.Errorf("discord: send: %w", err)
	}
	return sent.ID, nil
}

// EditMessage rewrites a previously sent message in place.
func (c *Channel) EditMessage(_ context.Context, recipient, messageID string, msg bus.OutboundMessage) error {
	session := c.liveSession()
	if session == nil {
		return fmt.Errorf("discord: not connected")
	}
	_, err := session.ChannelMessageEdit(recipient, messageID, msg.Text)
	return err
}

// SendReaction attaches an emoji to a user message.
func (c *Channel) SendReaction(_ context.Context, recipient, messageID, reaction string) error {
	session := c.liveSession()
	if session == nil {
		return fmt.Errorf("discord: not connected")
	}
	return session.MessageReactionAdd(recipient, messageID, reaction)
}

func (c *Channel) liveSession() *discordgo.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func kindFor(contentType string) bus.AttachmentKind {
	switch {
	case len(contentType) >= 5 && contentType[:5] == "image":
		return bus.AttachmentImage
	case len(contentType) >= 5 && contentType[:5] == "audio":
		return bus.AttachmentAudio
	case len(contentType) >= 5 && contentType[:5] == "video":
		return bus.AttachmentVideo
	default:
		return bus.AttachmentFile
	}
}
