// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat stores timestamps as fixed-width RFC3339 with all nine
// fractional digits so that lexical ordering in SQL matches
// chronological ordering. RFC3339Nano is unsuitable here: it strips
// trailing zeros, which makes "..05Z" sort after "..05.5Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			pristine        INTEGER NOT NULL DEFAULT 1,
			attachment_keys TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			model_id        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'complete',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('user', 'assistant', 'system', 'error')),
			CHECK (status IN ('pending', 'streaming', 'complete', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_parts (
			message_id  TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (message_id, idx),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
			CHECK (type IN ('text', 'image'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	keys, err := json.Marshal(keysOrEmpty(conv.AttachmentKeys))
	if err != nil {
		return fmt.Errorf("marshaling attachment keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, pristine, attachment_keys, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, boolToInt(conv.Pristine), string(keys),
		conv.CreatedAt.UTC().Format(timeFormat), conv.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, pristine, attachment_keys, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns the most recently updated conversations for a user
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, pristine, attachment_keys, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// MarkConversationUsed flips the pristine flag to false. The UPDATE is
// guarded on pristine=1 so the flip happens exactly once; the returned
// bool reports whether this call did it.
func (s *SQLiteStore) MarkConversationUsed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET pristine = 0, updated_at = ? WHERE id = ? AND pristine = 1`,
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return false, fmt.Errorf("marking conversation used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendAttachmentKeys adds storage keys to the conversation's attachment list
func (s *SQLiteStore) AppendAttachmentKeys(ctx context.Context, conversationID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.mutateAttachmentKeys(ctx, conversationID, func(existing []string) []string {
		return append(existing, keys...)
	})
}

// RemoveAttachmentKeys removes storage keys from the conversation's attachment list.
// Keys not present are ignored.
func (s *SQLiteStore) RemoveAttachmentKeys(ctx context.Context, conversationID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	return s.mutateAttachmentKeys(ctx, conversationID, func(existing []string) []string {
		kept := make([]string, 0, len(existing))
		for _, k := range existing {
			if !drop[k] {
				kept = append(kept, k)
			}
		}
		return kept
	})
}

// mutateAttachmentKeys applies fn to the attachment key list inside a
// transaction so concurrent mutations don't lose updates.
func (s *SQLiteStore) mutateAttachmentKeys(ctx context.Context, conversationID string, fn func([]string) []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT attachment_keys FROM conversations WHERE id = ?`, conversationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading attachment keys: %w", err)
	}

	var existing []string
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return fmt.Errorf("parsing attachment keys: %w", err)
	}

	updated, err := json.Marshal(keysOrEmpty(fn(existing)))
	if err != nil {
		return fmt.Errorf("marshaling attachment keys: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET attachment_keys = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC().Format(timeFormat), conversationID)
	if err != nil {
		return fmt.Errorf("updating attachment keys: %w", err)
	}
	return tx.Commit()
}

// SaveMessage inserts a message and its parts
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, role, content, model_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.ModelID,
		statusOrDefault(msg.Status),
		msg.CreatedAt.UTC().Format(timeFormat), msg.UpdatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := insertParts(ctx, tx, msg.ID, msg.Parts); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage retrieves a message and its parts by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, model_id, status, created_at, updated_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadParts(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage rewrites a message's mutable fields and replaces its parts
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET role = ?, content = ?, model_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		msg.Role, msg.Content, msg.ModelID, statusOrDefault(msg.Status),
		time.Now().UTC().Format(timeFormat), msg.ID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_parts WHERE message_id = ?`, msg.ID); err != nil {
		return fmt.Errorf("clearing message parts: %w", err)
	}
	if err := insertParts(ctx, tx, msg.ID, msg.Parts); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessages removes messages and their parts by ID
func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_parts WHERE message_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("deleting message parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return tx.Commit()
}

// ListRecentMessages returns the most recent limit messages, oldest first
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// Select newest-first with the limit, then reverse to oldest-first.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, model_id, status, created_at, updated_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for _, m := range msgs {
		if err := s.loadParts(ctx, m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// ListMessagesAfter returns messages created strictly after the given time, oldest first
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, model_id, status, created_at, updated_at
		 FROM messages WHERE conversation_id = ? AND created_at > ? ORDER BY created_at ASC, id ASC`,
		conversationID, after.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := s.loadParts(ctx, m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// NextReply returns the earliest system/error message created after the given time
func (s *SQLiteStore) NextReply(ctx context.Context, conversationID string, after time.Time) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, model_id, status, created_at, updated_at
		 FROM messages
		 WHERE conversation_id = ? AND created_at > ? AND role IN ('system', 'error')
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		conversationID, after.UTC().Format(timeFormat))
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadParts(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// loadParts populates msg.Parts from the message_parts table
func (s *SQLiteStore) loadParts(ctx context.Context, msg *Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, type, text, storage_key FROM message_parts WHERE message_id = ? ORDER BY idx ASC`,
		msg.ID)
	if err != nil {
		return fmt.Errorf("querying message parts: %w", err)
	}
	defer rows.Close()

	msg.Parts = nil
	for rows.Next() {
		var p MessagePart
		if err := rows.Scan(&p.Index, &p.Type, &p.Text, &p.StorageKey); err != nil {
			return fmt.Errorf("scanning message part: %w", err)
		}
		msg.Parts = append(msg.Parts, p)
	}
	return rows.Err()
}

func insertParts(ctx context.Context, tx *sql.Tx, messageID string, parts []MessagePart) error {
	for _, p := range parts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO message_parts (message_id, idx, type, text, storage_key) VALUES (?, ?, ?, ?, ?)`,
			messageID, p.Index, p.Type, p.Text, p.StorageKey)
		if err != nil {
			return fmt.Errorf("inserting message part: %w", err)
		}
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var pristine int
	var rawKeys, createdAt, updatedAt string

	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &pristine, &rawKeys, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Pristine = pristine != 0
	if err := json.Unmarshal([]byte(rawKeys), &conv.AttachmentKeys); err != nil {
		return nil, fmt.Errorf("parsing attachment keys: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var createdAt, updatedAt string

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Content,
		&msg.ModelID, &msg.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if msg.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func statusOrDefault(status string) string {
	if status == "" {
		return StatusComplete
	}
	return status
}

// keysOrEmpty normalizes nil slices to empty so JSON stores [] not null
func keysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
