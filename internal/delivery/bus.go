// ABOUTME: Bus interface implemented by the local and shared-broker backends
// ABOUTME: The orchestrator and HTTP layer only ever see this interface

package delivery

import (
	"context"

	"github.com/2389/chatstream/internal/store"
)

// Bus fans delivery events out to every subscriber of a conversation,
// across processes when a shared broker backs it. Publish never fails
// from the caller's perspective: backend trouble degrades to local-only
// delivery and is logged, not propagated.
type Bus interface {
	// Publish delivers a message event to all subscribers of the
	// conversation. isPartial marks streaming updates whose content is
	// not yet final.
	Publish(ctx context.Context, conversationID string, msg *store.Message, isPartial bool)

	// PublishError delivers an out-of-band error not tied to a message id.
	PublishError(ctx context.Context, conversationID string, err error)

	// Subscribe registers an in-process subscriber for a conversation.
	// The subscription is cleaned up when ctx is cancelled.
	Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string)

	// Unsubscribe removes a subscription created by Subscribe.
	Unsubscribe(conversationID, subID string)

	// ConnectClient announces that a live connection is interested in a
	// conversation. The shared backend lazily opens one broker
	// subscriber per conversation; the local backend needs nothing.
	ConnectClient(ctx context.Context, connID, conversationID string)

	// DisconnectClient tears down whatever ConnectClient set up for the
	// connection. Idempotent.
	DisconnectClient(connID string)

	Close()
}
