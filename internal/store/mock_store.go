// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string]*Message      // keyed by message ID

	// Optional failure injection
	SaveMessageErr error
	UpdateErr      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	c.AttachmentKeys = append([]string(nil), conv.AttachmentKeys...)
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *c
	result.AttachmentKeys = append([]string(nil), c.AttachmentKeys...)
	return &result, nil
}

// ListConversations returns conversations owned by the user, newest first.
func (m *MockStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		result := *c
		convs = append(convs, &result)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// MarkConversationUsed flips the pristine flag, reporting whether this call did it.
func (m *MockStore) MarkConversationUsed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	if !c.Pristine {
		return false, nil
	}
	c.Pristine = false
	return true, nil
}

// AppendAttachmentKeys adds keys to the conversation's attachment list.
func (m *MockStore) AppendAttachmentKeys(ctx context.Context, conversationID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.AttachmentKeys = append(c.AttachmentKeys, keys...)
	return nil
}

// RemoveAttachmentKeys removes keys from the conversation's attachment list.
func (m *MockStore) RemoveAttachmentKeys(ctx context.Context, conversationID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	kept := c.AttachmentKeys[:0]
	for _, k := range c.AttachmentKeys {
		if !drop[k] {
			kept = append(kept, k)
		}
	}
	c.AttachmentKeys = kept
	return nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := copyMessage(msg)
	if copied.Status == "" {
		copied.Status = StatusComplete
	}
	m.messages[copied.ID] = copied
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// UpdateMessage rewrites a stored message.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyMessage(msg)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	if updated.Status == "" {
		updated.Status = StatusComplete
	}
	m.messages[msg.ID] = updated
	return nil
}

// DeleteMessages removes messages by ID.
func (m *MockStore) DeleteMessages(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.messages, id)
	}
	return nil
}

// ListRecentMessages returns the most recent limit messages, oldest first.
func (m *MockStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	msgs := m.conversationMessages(conversationID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ListMessagesAfter returns messages created strictly after the given time, oldest first.
func (m *MockStore) ListMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*Message, error) {
	var out []*Message
	for _, msg := range m.conversationMessages(conversationID) {
		if msg.CreatedAt.After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// NextReply returns the earliest system/error message after the given time.
func (m *MockStore) NextReply(ctx context.Context, conversationID string, after time.Time) (*Message, error) {
	for _, msg := range m.conversationMessages(conversationID) {
		if !msg.CreatedAt.After(after) {
			continue
		}
		if msg.Role == RoleSystem || msg.Role == RoleError {
			return msg, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// conversationMessages returns copies of a conversation's messages, oldest first.
func (m *MockStore) conversationMessages(conversationID string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, copyMessage(msg))
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

func copyMessage(msg *Message) *Message {
	copied := *msg
	copied.Parts = append([]MessagePart(nil), msg.Parts...)
	return &copied
}
