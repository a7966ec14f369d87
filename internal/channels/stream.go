package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// streamEditInterval paces in-place edits so chatty engines do not
// hammer platform edit APIs.
const streamEditInterval = 750 * time.Millisecond

// streamMinChars is how much text must accumulate before the first
// streamed message goes out.
const streamMinChars = 24

// StreamHandler delivers one run's growing answer to a channel. On
// channels that can edit messages it sends once and edits in place;
// elsewhere it stays silent until Finish sends the final text.
type StreamHandler struct {
	channel   Channel
	editor    MessageEditor // nil when the channel cannot edit
	recipient string
	now       func() time.Time

	messageID string
	lastEdit  time.Time
	lastText  string
}

// NewStreamHandler binds a handler to one channel recipient.
func NewStreamHandler(ch Channel, recipient string) *StreamHandler {
	editor, _ := ch.(MessageEditor)
	return &StreamHandler{
		channel:   ch,
		editor:    editor,
		recipient: recipient,
		now:       time.Now,
	}
}

// OnText delivers the answer accumulated so far. Errors are logged,
// not surfaced; streaming is best-effort.
func (h *StreamHandler) OnText(ctx context.Context, fullText string) {
	if h.editor == nil || fullText == h.lastText {
		return
	}
	out := bus.OutboundMessage{ChannelID: h.channel.ID(), Recipient: h.recipient, Text: fullText}

	if h.messageID == "" {
		if len(fullText) < streamMinChars {
			return
		}
		id, err := h.editor.SendTracked(ctx, h.recipient, out)
		if err != nil {
			slog.Debug("stream.send_failed", "channel", h.channel.ID(), "error", err)
			return
		}
		h.messageID = id
		h.lastEdit = h.now()
		h.lastText = fullText
		return
	}

	if h.now().Sub(h.lastEdit) < streamEditInterval {
		return
	}
	if err := h.editor.EditMessage(ctx, h.recipient, h.messageID, out); err != nil {
		slog.Debug("stream.edit_failed", "channel", h.channel.ID(), "error", err)
		return
	}
	h.lastEdit = h.now()
	h.lastText = fullText
}

// Finish delivers the final text, editing the streamed message when
// one exists and sending a fresh message otherwise.
func (h *StreamHandler) Finish(ctx context.Context, finalText string) error {
	if finalText == "" {
		return nil
	}
	out := bus.OutboundMessage{ChannelID: h.channel.ID(), Recipient: h.recipient, Text: finalText}
	if h.editor != nil && h.messageID != "" {
		if finalText == h.lastText {
			return nil
		}
		return h.editor.EditMessage(ctx, h.recipient, h.messageID, out)
	}
	return h.channel.Send(ctx, h.recipient, out)
}
