// ABOUTME: Shared-broker delivery backend fanning envelopes out across processes via Redis
// ABOUTME: Degrades to local-only delivery on broker failure, permanently after the retry ceiling

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/chatstream/internal/msgcache"
	"github.com/2389/chatstream/internal/store"
)

const (
	// Broker channels. Envelopes for every conversation travel on the
	// same channel; subscribers filter by conversation id.
	messageChannel = "chatstream:messages"
	errorChannel   = "chatstream:errors"

	// cacheKeyPrefix namespaces ephemeral message bodies in the broker.
	cacheKeyPrefix = "message:"

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second

	// failureLogInterval rate-limits repeated broker failure logs.
	failureLogInterval = 30 * time.Second
)

// Broker connection states.
const (
	brokerUp int32 = iota
	brokerDown
	brokerDisabled
)

// SharedBus is the multi-instance bus backend. Publishes write the full
// message into the broker's ephemeral cache and broadcast a lightweight
// envelope; per-conversation subscribers resolve envelopes back to full
// messages and republish them into the local in-process bus.
//
// The broker is strictly optional: if it is unreachable the bus behaves
// as local-only, and once the reconnect ceiling is reached shared mode
// disables itself for the remaining process lifetime.
type SharedBus struct {
	local    *LocalBus
	registry *Registry
	client   *redis.Client
	cache    *msgcache.Cache
	ttl      time.Duration

	state      atomic.Int32
	maxRetries int

	subMu sync.Mutex
	subs  map[string]*convSubscriber // conversationID -> subscriber

	lastFailureLog atomic.Int64
	disableOnce    sync.Once

	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger *slog.Logger
}

// convSubscriber is one lazily opened broker subscription serving every
// local connection watching the same conversation.
type convSubscriber struct {
	refs   int
	cancel context.CancelFunc
}

// NewSharedBus creates a broker-backed bus. The broker is probed
// immediately; unreachability is logged once and handled by the
// reconnect loop, never returned as an error.
func NewSharedBus(client *redis.Client, local *LocalBus, registry *Registry, cache *msgcache.Cache, ttl time.Duration, maxRetries int, logger *slog.Logger) *SharedBus {
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())

	b := &SharedBus{
		local:      local,
		registry:   registry,
		client:     client,
		cache:      cache,
		ttl:        ttl,
		maxRetries: maxRetries,
		subs:       make(map[string]*convSubscriber),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		logger:     logger.With("component", "delivery", "backend", "shared"),
	}

	if err := client.Ping(rootCtx).Err(); err != nil {
		b.logger.Warn("broker unreachable, delivering local-only until it recovers", "error", err)
		b.state.Store(brokerDown)
		go b.reconnect()
	} else {
		b.logger.Info("shared delivery active")
	}

	return b
}

// Subscribe registers an in-process subscriber on the local bus.
func (b *SharedBus) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	return b.local.Subscribe(ctx, conversationID)
}

// Unsubscribe removes a local subscription.
func (b *SharedBus) Unsubscribe(conversationID, subID string) {
	b.local.Unsubscribe(conversationID, subID)
}

// Publish writes the message into the ephemeral cache and broadcasts an
// envelope. The cache write completes before the envelope is published,
// so a subscriber that sees the envelope can always resolve the body.
// Any broker failure falls back to local delivery for this publish.
func (b *SharedBus) Publish(ctx context.Context, conversationID string, msg *store.Message, isPartial bool) {
	if b.state.Load() != brokerUp {
		b.local.Publish(ctx, conversationID, msg, isPartial)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshaling message for cache", "error", err, "message_id", msg.ID)
		b.local.Publish(ctx, conversationID, msg, isPartial)
		return
	}

	if err := b.client.Set(ctx, cacheKeyPrefix+msg.ID, payload, b.ttl).Err(); err != nil {
		b.noteFailure("cache write failed", err)
		b.local.Publish(ctx, conversationID, msg, isPartial)
		return
	}

	// Keep a local copy so our own subscribers resolve without a
	// broker round trip.
	b.cache.Put(msg)

	envelope, err := json.Marshal(Envelope{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		IsPartial:      isPartial,
	})
	if err != nil {
		b.logger.Error("marshaling envelope", "error", err, "message_id", msg.ID)
		b.local.Publish(ctx, conversationID, msg, isPartial)
		return
	}

	if err := b.client.Publish(ctx, messageChannel, envelope).Err(); err != nil {
		b.noteFailure("envelope publish failed", err)
		b.local.Publish(ctx, conversationID, msg, isPartial)
	}
}

// PublishError broadcasts an out-of-band error envelope, falling back to
// local delivery when the broker is unavailable.
func (b *SharedBus) PublishError(ctx context.Context, conversationID string, pubErr error) {
	if b.state.Load() != brokerUp {
		b.local.PublishError(ctx, conversationID, pubErr)
		return
	}

	envelope, err := json.Marshal(ErrorEnvelope{
		ConversationID: conversationID,
		Error:          pubErr.Error(),
	})
	if err != nil {
		b.local.PublishError(ctx, conversationID, pubErr)
		return
	}

	if err := b.client.Publish(ctx, errorChannel, envelope).Err(); err != nil {
		b.noteFailure("error publish failed", err)
		b.local.PublishError(ctx, conversationID, pubErr)
	}
}

// ConnectClient records the connection in the registry and lazily opens
// one broker subscriber for the conversation, shared by every local
// connection watching it.
func (b *SharedBus) ConnectClient(ctx context.Context, connID, conversationID string) {
	b.registry.Register(connID, conversationID)

	if b.state.Load() == brokerDisabled {
		return
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	if sub, ok := b.subs[conversationID]; ok {
		sub.refs++
		return
	}

	subCtx, cancel := context.WithCancel(b.rootCtx)
	b.subs[conversationID] = &convSubscriber{refs: 1, cancel: cancel}
	go b.consume(subCtx, conversationID)

	b.logger.Debug("broker subscriber opened", "conversation_id", conversationID)
}

// DisconnectClient tears down what ConnectClient set up. Idempotent.
func (b *SharedBus) DisconnectClient(connID string) {
	conversationID, ok := b.registry.Resolve(connID)
	if !ok {
		return
	}
	b.registry.Unregister(connID)

	b.subMu.Lock()
	defer b.subMu.Unlock()

	sub, ok := b.subs[conversationID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		sub.cancel()
		delete(b.subs, conversationID)
		b.logger.Debug("broker subscriber closed", "conversation_id", conversationID)
	}
}

// consume receives envelopes for one conversation, resolves them to full
// messages and republishes into the local bus.
func (b *SharedBus) consume(ctx context.Context, conversationID string) {
	pubsub := b.client.Subscribe(ctx, messageChannel, errorChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			switch m.Channel {
			case messageChannel:
				b.handleEnvelope(ctx, conversationID, m.Payload)
			case errorChannel:
				b.handleErrorEnvelope(ctx, conversationID, m.Payload)
			}
		}
	}
}

// handleEnvelope filters one envelope by conversation and resolves it.
func (b *SharedBus) handleEnvelope(ctx context.Context, conversationID, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("malformed envelope", "error", err)
		return
	}
	if env.ConversationID != conversationID {
		return
	}

	msg := b.resolve(ctx, env.MessageID)
	if msg == nil {
		b.logger.Warn("envelope could not be resolved",
			"message_id", env.MessageID,
			"conversation_id", conversationID)
		return
	}

	b.local.Publish(ctx, conversationID, msg, env.IsPartial)
}

func (b *SharedBus) handleErrorEnvelope(ctx context.Context, conversationID, payload string) {
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("malformed error envelope", "error", err)
		return
	}
	if env.ConversationID != conversationID {
		return
	}
	b.local.PublishError(ctx, conversationID, fmt.Errorf("%s", env.Error))
}

// resolve looks a message up in the in-process cache first, then the
// broker's ephemeral cache.
func (b *SharedBus) resolve(ctx context.Context, messageID string) *store.Message {
	if msg := b.cache.Get(messageID); msg != nil {
		return msg
	}

	payload, err := b.client.Get(ctx, cacheKeyPrefix+messageID).Result()
	if err != nil {
		return nil
	}
	var msg store.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("malformed cached message", "error", err, "message_id", messageID)
		return nil
	}
	return &msg
}

// noteFailure logs a broker failure (rate-limited) and kicks off the
// reconnect loop if the broker was believed up.
func (b *SharedBus) noteFailure(what string, err error) {
	now := time.Now().UnixNano()
	last := b.lastFailureLog.Load()
	if now-last > int64(failureLogInterval) && b.lastFailureLog.CompareAndSwap(last, now) {
		b.logger.Warn("broker failure, delivering local-only", "what", what, "error", err)
	}

	if b.state.CompareAndSwap(brokerUp, brokerDown) {
		go b.reconnect()
	}
}

// reconnect probes the broker with exponential backoff up to the hard
// retry ceiling. Reaching the ceiling permanently disables shared mode
// for the remaining process lifetime.
func (b *SharedBus) reconnect() {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		select {
		case <-b.rootCtx.Done():
			return
		case <-time.After(delay):
		}

		if err := b.client.Ping(b.rootCtx).Err(); err == nil {
			b.state.Store(brokerUp)
			b.logger.Info("broker reconnected", "attempts", attempt)
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	b.state.Store(brokerDisabled)
	b.disableOnce.Do(func() {
		b.logger.Warn("broker retry ceiling reached, shared delivery disabled for process lifetime",
			"retries", b.maxRetries)
	})
	b.closeSubscribers()
}

// closeSubscribers cancels every per-conversation broker subscription.
func (b *SharedBus) closeSubscribers() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for convID, sub := range b.subs {
		sub.cancel()
		delete(b.subs, convID)
	}
}

// Close shuts down broker subscriptions and the local bus.
func (b *SharedBus) Close() {
	b.rootCancel()
	b.closeSubscribers()
	b.local.Close()
}
