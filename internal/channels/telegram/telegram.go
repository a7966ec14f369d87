// Package telegram adapts Telegram (long polling via telego) to the
// channel fabric.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/gatehouselabs/gatehouse/internal/bus"
	"github.com/gatehouselabs/gatehouse/internal/config"
)

// pollTimeout is the long-poll hold time in seconds.
const pollTimeout = 30

// Channel is the Telegram adapter. Recipient addresses are chat ids.
type Channel struct {
	cfg config.TelegramConfig
	bot *telego.Bot

	mu      sync.Mutex
	handler func(bus.InboundMessage)
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates the adapter; the bot connects on Start.
func New(cfg config.TelegramConfig) *Channel {
	return &Channel{cfg: cfg}
}

func (c *Channel) ID() string { return "telegram" }

// OnMessage sets the inbound handler. Must be called before Start.
func (c *Channel) OnMessage(handler func(bus.InboundMessage)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start connects the bot and begins long polling. Blocks until the
// update stream ends, so it runs as a supervisor child.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start polling: %w", err)
	}

	c.mu.Lock()
	c.bot = bot
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	slog.Info("channel.started", "channel", "telegram")
	for update := range updates {
		if update.Message != nil {
			c.handleMessage(ctx, update.Message)
		}
	}
	return ctx.Err()
}

// Stop ends polling and waits for the update loop to drain.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Healthy reports whether the update loop is live.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	if !c.allowed(userID, msg.From.Username) {
		slog.Debug("telegram.sender_rejected", "user", userID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	from := bus.Sender{
		ChannelID: c.ID(),
		UserID:    userID,
		Name:      msg.From.Username,
	}
	if msg.Chat.Type != telego.ChatTypePrivate {
		from.GroupID = chatID
		if msg.MessageThreadID != 0 {
			from.ThreadID = strconv.Itoa(msg.MessageThreadID)
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	inbound := bus.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: c.ID(),
		From:      from,
		Text:      text,
		Timestamp: time.Unix(msg.Date, 0),
		Metadata: map[string]string{
			"chatId":    chatID,
			"messageId": strconv.Itoa(msg.MessageID),
		},
	}
	inbound.Attachments = c.collectAttachments(ctx, msg)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(inbound)
	}
}

func (c *Channel) allowed(userID, username string) bool {
	allow := c.cfg.AllowFrom
	if len(allow) == 0 {
		return true
	}
	for _, entry := range allow {
		if entry == userID || entry == username || entry == "@"+username {
			return true
		}
	}
	return false
}

// Send delivers text to a chat id.
func (c *Channel) Send(ctx context.Context, recipient string, msg bus.OutboundMessage) error {
	_, err := c.sendMessage(ctx, recipient, msg.Text)
	return err
}

// SendTracked sends and returns the message id for later edits.
func (c *Channel) SendTracked(ctx context.Context, recipient string, msg bus.OutboundMessage) (string, error) {
	sent, err := c.sendMessage(ctx, recipient, msg.Text)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage rewrites a previously sent message in place.
func (c *Channel) EditMessage(ctx context.Context, recipient, messageID string, msg bus.OutboundMessage) error {
	bot := c.liveBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", recipient, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: chatID},
		MessageID: msgID,
		Text:      msg.Text,
	})
	return err
}

func (c *Channel) sendMessage(ctx context.Context, recipient, text string) (*telego.Message, error) {
	bot := c.liveBot()
	if bot == nil {
		return nil, fmt.Errorf("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: bad chat id %q: %w", recipient, err)
	}
	return bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
}

func (c *Channel) liveBot() *telego.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}
