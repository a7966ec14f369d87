package bus

import "time"

// AttachmentKind classifies an inbound attachment.
type AttachmentKind string

const (
	AttachmentAudio AttachmentKind = "audio"
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a media item carried by an inbound message. Audio
// attachments are resolved to text by a speech-to-text collaborator
// before routing; the result lands in Transcript.
type Attachment struct {
	Kind       AttachmentKind `json:"kind"`
	URL        string         `json:"url,omitempty"`
	Path       string         `json:"path,omitempty"`
	MIME       string         `json:"mime,omitempty"`
	Name       string         `json:"name,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
}

// Sender identifies where a message came from. UserID identifies a
// human; GroupID and ThreadID identify topic scope within a channel.
type Sender struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Name      string `json:"name,omitempty"`
}

// InboundMessage is the uniform message shape every surface (channel
// adapter, webhook, cron trigger, CLI) feeds into the pipeline.
type InboundMessage struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channelId"`
	From        Sender            `json:"from"`
	Text        string            `json:"text,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Format selects the outbound rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// OutboundMessage is what the pipeline hands back to a channel adapter.
// Recipient is the channel-native address (chat id, connection id, ...).
type OutboundMessage struct {
	ChannelID string `json:"channelId"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Format    Format `json:"format,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// Event is a broadcast notification (supervisor lifecycle, agent run
// events, shutdown). Payload shape depends on Name.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Well-known event names.
const (
	EventChildCrashed        = "child:crashed"
	EventChildRestarted      = "child:restarted"
	EventMaxRestartsExceeded = "supervisor:max_restarts_exceeded"
	EventAgent               = "agent"
	EventShutdown            = "shutdown"
)

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server, supervisor, and agent loops to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
