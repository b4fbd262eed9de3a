// ABOUTME: Event and envelope types carried by the delivery bus
// ABOUTME: Envelopes are the lightweight broker notifications, Events the full in-process payloads

package delivery

import "github.com/2389/chatstream/internal/store"

// Event type tags exposed on the delivery topic.
const (
	EventMessage = "message"
	EventError   = "error"
)

// Event is the full payload handed to in-process subscribers. Message
// events carry the message body; error events carry only the error text.
type Event struct {
	Type      string         `json:"type"`
	Message   *store.Message `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	IsPartial bool           `json:"isPartial"`
}

// Envelope is the lightweight notification broadcast on the broker's
// message channel. The full message body is looked up separately by id.
type Envelope struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	IsPartial      bool   `json:"isPartial"`
}

// ErrorEnvelope is broadcast on the broker's error channel for
// out-of-band failures not tied to a message id.
type ErrorEnvelope struct {
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
}
