// ABOUTME: Store interface and data types for chatstream persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleError     = "error"
)

// Status constants for the streaming lifecycle of a message.
// Transitions: pending -> streaming -> complete | error. Terminal states
// are never left.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Part type constants
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
)

// Conversation represents a single chat between a user and a model.
// Pristine is true only before the first message exists; it flips to
// false exactly once and never back.
type Conversation struct {
	ID             string
	UserID         string
	Title          string
	Pristine       bool
	AttachmentKeys []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessagePart is one typed segment of a message body. Image parts carry
// the object-storage key of the uploaded payload.
type MessagePart struct {
	Index      int
	Type       string // "text" or "image"
	Text       string
	StorageKey string
}

// Message represents a single conversation message. Content grows
// monotonically while Status is "streaming"; once complete or errored
// it is immutable.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	Parts          []MessagePart
	ModelID        string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ImageKeys returns the storage keys of all image-typed parts.
func (m *Message) ImageKeys() []string {
	var keys []string
	for _, p := range m.Parts {
		if p.Type == PartTypeImage && p.StorageKey != "" {
			keys = append(keys, p.StorageKey)
		}
	}
	return keys
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// MarkConversationUsed flips the pristine flag to false. It reports
	// whether this call performed the flip (false if already flipped).
	MarkConversationUsed(ctx context.Context, id string) (bool, error)

	// Attachment key bookkeeping on the owning conversation
	AppendAttachmentKeys(ctx context.Context, conversationID string, keys []string) error
	RemoveAttachmentKeys(ctx context.Context, conversationID string, keys []string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	DeleteMessages(ctx context.Context, ids []string) error

	// ListRecentMessages returns the most recent limit messages of a
	// conversation, ordered oldest first.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// ListMessagesAfter returns every message in the conversation with a
	// creation time strictly later than after, ordered oldest first.
	ListMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*Message, error)

	// NextReply returns the earliest system- or error-role message in the
	// conversation created strictly after the given time, or ErrNotFound.
	NextReply(ctx context.Context, conversationID string, after time.Time) (*Message, error)

	Close() error
}
