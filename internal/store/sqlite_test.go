// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation lifecycle, pristine flip, attachment keys, message queries and deletes

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chatstream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(userID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Pristine:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testMessage(convID, userID, role string, at time.Time) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
		Content:        "content of " + role,
		Status:         StatusComplete,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestSQLiteStore_ConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	conv.Title = "first chat"
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "first chat", got.Title)
	assert.True(t, got.Pristine)
	assert.Empty(t, got.AttachmentKeys)
}

func TestSQLiteStore_GetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CreateConversation_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	err := s.CreateConversation(ctx, conv)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestSQLiteStore_MarkConversationUsed_FlipsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	flipped, err := s.MarkConversationUsed(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, flipped)

	// Second call is a no-op
	flipped, err = s.MarkConversationUsed(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.Pristine)
}

func TestSQLiteStore_AttachmentKeys_AppendAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.AppendAttachmentKeys(ctx, conv.ID, []string{"c1-m1-in-0.png", "c1-m1-in-1.jpg"}))
	require.NoError(t, s.AppendAttachmentKeys(ctx, conv.ID, []string{"c1-m2-out-0.png"}))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1-m1-in-0.png", "c1-m1-in-1.jpg", "c1-m2-out-0.png"}, got.AttachmentKeys)

	// Removing an unknown key is ignored
	require.NoError(t, s.RemoveAttachmentKeys(ctx, conv.ID, []string{"c1-m1-in-1.jpg", "unknown"}))

	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1-m1-in-0.png", "c1-m2-out-0.png"}, got.AttachmentKeys)
}

func TestSQLiteStore_AttachmentKeys_MissingConversation(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendAttachmentKeys(t.Context(), "missing", []string{"key"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_MessageRoundTrip_WithParts(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, "user-1", RoleUser, time.Now())
	msg.ModelID = "gpt-4o"
	msg.Parts = []MessagePart{
		{Index: 0, Type: PartTypeText, Text: "look at this"},
		{Index: 1, Type: PartTypeImage, StorageKey: conv.ID + "-" + msg.ID + "-in-0.png"},
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, "gpt-4o", got.ModelID)
	require.Len(t, got.Parts, 2)
	assert.Equal(t, PartTypeImage, got.Parts[1].Type)
	assert.Equal(t, []string{conv.ID + "-" + msg.ID + "-in-0.png"}, got.ImageKeys())
}

func TestSQLiteStore_UpdateMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, "user-1", RoleAssistant, time.Now())
	msg.Status = StatusStreaming
	require.NoError(t, s.SaveMessage(ctx, msg))

	msg.Content = "final text"
	msg.Status = StatusComplete
	require.NoError(t, s.UpdateMessage(ctx, msg))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "final text", got.Content)
	assert.Equal(t, StatusComplete, got.Status)
}

func TestSQLiteStore_UpdateMessage_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateMessage(t.Context(), &Message{ID: "missing", Role: RoleAssistant})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListRecentMessages_OldestFirstWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		msg := testMessage(conv.ID, "user-1", RoleUser, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.SaveMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	got, err := s.ListRecentMessages(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The three newest, returned oldest first
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[3], got[1].ID)
	assert.Equal(t, ids[4], got[2].ID)
}

func TestSQLiteStore_ListMessagesAfter_StrictlyLater(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now()
	first := testMessage(conv.ID, "user-1", RoleUser, base)
	second := testMessage(conv.ID, "user-1", RoleAssistant, base.Add(time.Second))
	third := testMessage(conv.ID, "user-1", RoleUser, base.Add(2*time.Second))
	for _, m := range []*Message{first, second, third} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	got, err := s.ListMessagesAfter(ctx, conv.ID, first.CreatedAt)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, third.ID, got[1].ID)
}

func TestSQLiteStore_ListMessagesAfter_WholeSecondTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	// A whole-second timestamp must sort before fractional times in the
	// same second. A trailing-zero-stripping format would invert this.
	base := time.Now().Truncate(time.Second)
	whole := testMessage(conv.ID, "user-1", RoleUser, base)
	fractional := testMessage(conv.ID, "user-1", RoleError, base.Add(500*time.Millisecond))
	for _, m := range []*Message{whole, fractional} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	got, err := s.ListMessagesAfter(ctx, conv.ID, whole.CreatedAt)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fractional.ID, got[0].ID)

	reply, err := s.NextReply(ctx, conv.ID, whole.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, fractional.ID, reply.ID)

	got, err = s.ListMessagesAfter(ctx, conv.ID, fractional.CreatedAt)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_NextReply_SkipsOtherRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now()
	userMsg := testMessage(conv.ID, "user-1", RoleUser, base)
	assistant := testMessage(conv.ID, "user-1", RoleAssistant, base.Add(time.Second))
	errReply := testMessage(conv.ID, "user-1", RoleError, base.Add(2*time.Second))
	for _, m := range []*Message{userMsg, assistant, errReply} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	got, err := s.NextReply(ctx, conv.ID, userMsg.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, errReply.ID, got.ID)
}

func TestSQLiteStore_NextReply_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	_, err := s.NextReply(ctx, conv.ID, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteMessages_RemovesParts(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := testConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, "user-1", RoleUser, time.Now())
	msg.Parts = []MessagePart{{Index: 0, Type: PartTypeImage, StorageKey: "k1"}}
	keep := testMessage(conv.ID, "user-1", RoleUser, time.Now().Add(time.Second))
	require.NoError(t, s.SaveMessage(ctx, msg))
	require.NoError(t, s.SaveMessage(ctx, keep))

	require.NoError(t, s.DeleteMessages(ctx, []string{msg.ID}))

	_, err := s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetMessage(ctx, keep.ID)
	assert.NoError(t, err)
}
