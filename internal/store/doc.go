// Package store provides persistence for conversations and messages.
//
// # Overview
//
// The store is the source of truth for all conversation state. The
// delivery bus only ever broadcasts lightweight notifications; anything
// a client renders is read back from here (or from the ephemeral
// message cache that fronts it in multi-instance deployments).
//
// # Entities
//
//   - Conversation: a chat owned by a user, with its pristine flag and
//     the list of object-storage keys for its attachments.
//   - Message: a single user/assistant/system/error message, with typed
//     parts for text and image segments.
//
// # Implementation
//
// SQLiteStore is the only production implementation, backed by
// modernc.org/sqlite with WAL mode and schema-on-open. Timestamps are
// stored as RFC3339Nano text so SQL ordering matches chronological
// ordering at nanosecond resolution.
package store
