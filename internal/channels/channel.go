// Package channels is the transport fabric: the Channel interface the
// adapters implement, the supervisor that keeps them running, and the
// inbound pipeline that turns platform messages into agent runs.
package channels

import (
	"context"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// Channel is one messaging surface (Telegram, Discord, webchat, a
// bridge process). Start begins delivering inbound messages to the
// OnMessage handler and returns once the adapter is listening; Stop
// disconnects. Send delivers text to a channel-native recipient
// address (chat id, connection id).
type Channel interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(handler func(bus.InboundMessage))
	Send(ctx context.Context, recipient string, msg bus.OutboundMessage) error
	Healthy() bool
}

// MessageEditor is implemented by channels that can edit a sent
// message in place. SendTracked returns the platform message id that
// EditMessage later targets; the stream handler uses the pair for
// edit-in-place streaming.
type MessageEditor interface {
	SendTracked(ctx context.Context, recipient string, msg bus.OutboundMessage) (messageID string, err error)
	EditMessage(ctx context.Context, recipient, messageID string, msg bus.OutboundMessage) error
}

// Reactor is implemented by channels that can attach a reaction to a
// user message (progress feedback while a run is in flight).
type Reactor interface {
	SendReaction(ctx context.Context, recipient, messageID, reaction string) error
}

// VoiceSender is implemented by channels that can deliver a synthesized
// audio reply alongside text.
type VoiceSender interface {
	SendVoice(ctx context.Context, recipient, audioPath string) error
}
