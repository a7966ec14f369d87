// Package protocol defines the JSON frames spoken over the webchat
// WebSocket (/ws). The gateway's webchat channel and the chat CLI both
// speak this shape.
package protocol

import "time"

// FrameType discriminates frames.
type FrameType string

const (
	// FrameHello is sent by the server on connect.
	FrameHello FrameType = "hello"
	// FrameMessage carries text: client -> server it is user input,
	// server -> client it is an assistant reply (ID set for later edits).
	FrameMessage FrameType = "message"
	// FrameEdit replaces the text of an earlier server message; used
	// for streamed answers growing in place.
	FrameEdit FrameType = "edit"
	// FrameError reports a server-side failure for this connection.
	FrameError FrameType = "error"
	// FramePing keeps idle connections alive; the peer echoes FramePong.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// Frame is one webchat wire message.
type Frame struct {
	Type FrameType `json:"type"`
	// ID identifies a server message for edits.
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
	// User optionally names the human on client messages.
	User  string    `json:"user,omitempty"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time,omitzero"`
}

// Hello builds the greeting frame.
func Hello(connID string) Frame {
	return Frame{Type: FrameHello, ID: connID, Time: time.Now()}
}

// Message builds a server reply frame.
func Message(id, text string) Frame {
	return Frame{Type: FrameMessage, ID: id, Text: text, Time: time.Now()}
}

// Edit builds an in-place replacement for an earlier reply.
func Edit(id, text string) Frame {
	return Frame{Type: FrameEdit, ID: id, Text: text, Time: time.Now()}
}

// Error builds an error frame.
func Error(detail string) Frame {
	return Frame{Type: FrameError, Error: detail, Time: time.Now()}
}
