// ABOUTME: In-process fan-out bus delivering events to all subscribers of a conversation
// ABOUTME: Single-instance backend and the in-process leg of the shared broker backend

package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chatstream/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// LocalBus provides in-memory pub/sub for delivery events. Subscribers
// register for a conversation id and receive events as they are
// published. In a single-instance deployment this is the whole bus; in
// a multi-instance deployment it is the in-process leg the shared
// backend republishes into.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewLocalBus creates a local bus. Pass nil logger for default.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "delivery"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx
// is cancelled.
func (b *LocalBus) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *LocalBus) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Publish hands the full message directly to in-process subscribers.
func (b *LocalBus) Publish(ctx context.Context, conversationID string, msg *store.Message, isPartial bool) {
	b.deliver(conversationID, &Event{
		Type:      EventMessage,
		Message:   msg,
		IsPartial: isPartial,
	})
}

// PublishError delivers an out-of-band error to in-process subscribers.
func (b *LocalBus) PublishError(ctx context.Context, conversationID string, err error) {
	b.deliver(conversationID, &Event{
		Type:  EventError,
		Error: err.Error(),
	})
}

// ConnectClient is a no-op for the local backend: the in-process bus
// already serves every local subscriber.
func (b *LocalBus) ConnectClient(ctx context.Context, connID, conversationID string) {}

// DisconnectClient is a no-op for the local backend.
func (b *LocalBus) DisconnectClient(connID string) {}

// deliver sends an event to all subscribers of the conversation.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock so a concurrent Unsubscribe or Close
// cannot close a channel mid-send; since sends never block, the lock is
// never held waiting on a subscriber.
func (b *LocalBus) deliver(conversationID string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		return
	}

	for _, ch := range subs {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full; drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"event_type", event.Type)
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("local bus closed")
}
