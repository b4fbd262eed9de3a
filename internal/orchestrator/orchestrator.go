// ABOUTME: Message orchestrator tying store, gateway, storage and delivery together
// ABOUTME: Owns createMessage and deleteMessage including attachments and streaming lifecycle

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatstream/internal/delivery"
	"github.com/2389/chatstream/internal/model"
	"github.com/2389/chatstream/internal/provider"
	"github.com/2389/chatstream/internal/storage"
	"github.com/2389/chatstream/internal/store"
)

// ErrConversationNotFound is returned when the conversation does not
// exist or belongs to another user.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound is returned when the message does not exist or
// belongs to another user's conversation.
var ErrMessageNotFound = errors.New("message not found")

// ErrModelNotFound is returned when the requested model is not in the
// catalog.
var ErrModelNotFound = errors.New("model not found")

// ErrGenerationInFlight is returned in strict mode when a generation is
// already running for the conversation.
var ErrGenerationInFlight = errors.New("generation already in flight for conversation")

// Invoker is the slice of the provider gateway the orchestrator uses.
type Invoker interface {
	Invoke(ctx context.Context, req *provider.Request) (*provider.Response, error)
	InvokeStream(ctx context.Context, req *provider.Request, cb provider.Callbacks)
}

// Options tunes orchestrator behavior.
type Options struct {
	// ContextWindow is the number of most recent messages sent to the
	// provider as prompt context.
	ContextWindow int

	// StrictGeneration rejects a second createMessage on a conversation
	// while one is still generating. Off by default; interleaved
	// streams on one conversation are otherwise permitted.
	StrictGeneration bool
}

// Orchestrator coordinates message persistence, attachment storage,
// provider invocation and delivery fan-out.
type Orchestrator struct {
	store   store.Store
	bus     delivery.Bus
	gateway Invoker
	objects storage.ObjectStorage
	catalog *model.Catalog
	opts    Options
	logger  *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{} // conversationID -> generation running
}

// New creates an orchestrator. Pass nil logger for default.
func New(st store.Store, bus delivery.Bus, gw Invoker, objects storage.ObjectStorage, catalog *model.Catalog, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 20
	}
	return &Orchestrator{
		store:    st,
		bus:      bus,
		gateway:  gw,
		objects:  objects,
		catalog:  catalog,
		opts:     opts,
		logger:   logger.With("component", "orchestrator"),
		inflight: make(map[string]struct{}),
	}
}

// CreateMessageInput is the inbound message payload.
type CreateMessageInput struct {
	ConversationID string
	Content        string
	Role           string // defaults to user
	ModelID        string
	Attachments    [][]byte
}

// CreateMessage persists the inbound message, publishes it, and drives
// one model generation for the conversation. It blocks until the reply
// is terminal and returns the reply message; streaming progress is
// visible to subscribers on the delivery bus while it runs. Provider
// failures become a persisted, published error-role reply rather than a
// returned error.
func (o *Orchestrator) CreateMessage(ctx context.Context, userID string, in CreateMessageInput) (*store.Message, error) {
	conv, err := o.store.GetConversation(ctx, in.ConversationID)
	if err != nil || conv.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, in.ConversationID)
	}

	mdl, err := o.catalog.Get(in.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, in.ModelID)
	}

	if o.opts.StrictGeneration {
		if !o.acquire(in.ConversationID) {
			return nil, fmt.Errorf("%w: %s", ErrGenerationInFlight, in.ConversationID)
		}
		defer o.release(in.ConversationID)
	}

	userMsg, err := o.recordInbound(ctx, conv, mdl, in)
	if err != nil {
		return nil, err
	}

	if flipped, err := o.store.MarkConversationUsed(ctx, conv.ID); err != nil {
		o.logger.Warn("marking conversation used", "error", err, "conversation_id", conv.ID)
	} else if flipped {
		o.logger.Debug("conversation received its first message", "conversation_id", conv.ID)
	}

	o.bus.Publish(ctx, conv.ID, snapshot(userMsg), false)

	req, err := o.buildRequest(ctx, conv.ID, mdl)
	if err != nil {
		return nil, err
	}

	if mdl.Streaming {
		return o.generateStreaming(ctx, conv, mdl, req)
	}
	return o.generateSync(ctx, conv, mdl, req)
}

// recordInbound persists the user message record-first, then uploads
// attachments under deterministic keys and folds markdown image
// references into the stored content.
func (o *Orchestrator) recordInbound(ctx context.Context, conv *store.Conversation, mdl *model.Model, in CreateMessageInput) (*store.Message, error) {
	role := in.Role
	if role == "" {
		role = store.RoleUser
	}

	now := time.Now().UTC()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           role,
		Content:        in.Content,
		ModelID:        mdl.ID,
		Status:         store.StatusComplete,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	if len(in.Attachments) == 0 {
		return msg, nil
	}

	var keys []string
	for i, data := range in.Attachments {
		ext := storage.SniffExt(data)
		key := storage.AttachmentKey(conv.ID, msg.ID, storage.DirectionIn, i, ext)
		if err := o.objects.Put(ctx, key, data, storage.ContentTypeForExt(ext)); err != nil {
			return nil, fmt.Errorf("uploading attachment %d: %w", i, err)
		}
		msg.Content += fmt.Sprintf("\n\n![attachment](%s)", key)
		msg.Parts = append(msg.Parts, store.MessagePart{
			Index:      i,
			Type:       store.PartTypeImage,
			StorageKey: key,
		})
		keys = append(keys, key)
	}

	msg.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("updating message with attachments: %w", err)
	}
	if err := o.store.AppendAttachmentKeys(ctx, conv.ID, keys); err != nil {
		return nil, fmt.Errorf("recording attachment keys: %w", err)
	}
	return msg, nil
}

// buildRequest assembles the bounded prompt context, oldest first.
// Error-role messages are excluded from the prompt.
func (o *Orchestrator) buildRequest(ctx context.Context, conversationID string, mdl *model.Model) (*provider.Request, error) {
	recent, err := o.store.ListRecentMessages(ctx, conversationID, o.opts.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("loading context window: %w", err)
	}

	msgs := make([]provider.Message, 0, len(recent))
	for _, m := range recent {
		if m.Role == store.RoleError {
			continue
		}
		msgs = append(msgs, provider.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}

	return &provider.Request{
		Messages:    msgs,
		Temperature: mdl.Temperature,
		MaxTokens:   mdl.MaxTokens,
		TopP:        mdl.TopP,
		ModelID:     mdl.ID,
	}, nil
}

// generateStreaming drives one streamed generation against a persisted
// placeholder. Tokens accumulate in memory with a partial publish per
// token; the content is persisted on the terminal transition only.
func (o *Orchestrator) generateStreaming(ctx context.Context, conv *store.Conversation, mdl *model.Model, req *provider.Request) (*store.Message, error) {
	now := time.Now().UTC()
	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           store.RoleAssistant,
		ModelID:        mdl.ID,
		Status:         store.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.SaveMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("saving placeholder: %w", err)
	}

	o.gateway.InvokeStream(ctx, req, provider.Callbacks{
		OnStart: func() {
			reply.Status = store.StatusStreaming
			reply.UpdatedAt = time.Now().UTC()
			if err := o.store.UpdateMessage(ctx, reply); err != nil {
				o.logger.Warn("marking reply streaming", "error", err, "message_id", reply.ID)
			}
		},
		OnToken: func(token string) {
			reply.Content += token
			reply.Status = store.StatusStreaming
			reply.UpdatedAt = time.Now().UTC()
			o.bus.Publish(ctx, conv.ID, snapshot(reply), true)
		},
		OnComplete: func(full string) {
			reply.Content = full
			reply.Status = store.StatusComplete
			o.finishReply(ctx, conv.ID, reply)
		},
		OnError: func(genErr error) {
			o.logger.Warn("streamed generation failed",
				"error", genErr,
				"conversation_id", conv.ID,
				"model", mdl.ID)
			reply.Role = store.RoleError
			reply.Content = genErr.Error()
			reply.Status = store.StatusError
			o.finishReply(ctx, conv.ID, reply)
		},
	})

	return reply, nil
}

// generateSync runs one synchronous generation. Image responses are
// uploaded to object storage and rewritten as a markdown image link.
func (o *Orchestrator) generateSync(ctx context.Context, conv *store.Conversation, mdl *model.Model, req *provider.Request) (*store.Message, error) {
	now := time.Now().UTC()
	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           store.RoleAssistant,
		ModelID:        mdl.ID,
		Status:         store.StatusComplete,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	resp, err := o.gateway.Invoke(ctx, req)
	switch {
	case err != nil:
		o.logger.Warn("generation failed",
			"error", err,
			"conversation_id", conv.ID,
			"model", mdl.ID)
		reply.Role = store.RoleError
		reply.Content = err.Error()
		reply.Status = store.StatusError

	case resp.Type == provider.ResponseImage:
		ext := storage.SniffExt(resp.Data)
		key := storage.AttachmentKey(conv.ID, reply.ID, storage.DirectionOut, 0, ext)
		if putErr := o.objects.Put(ctx, key, resp.Data, storage.ContentTypeForExt(ext)); putErr != nil {
			return nil, fmt.Errorf("uploading generated image: %w", putErr)
		}
		reply.Content = fmt.Sprintf("![generated image](%s)", key)
		reply.Parts = []store.MessagePart{{Index: 0, Type: store.PartTypeImage, StorageKey: key}}
		if appendErr := o.store.AppendAttachmentKeys(ctx, conv.ID, []string{key}); appendErr != nil {
			o.logger.Warn("recording generated attachment key", "error", appendErr, "key", key)
		}

	default:
		reply.Content = resp.Content
	}

	if err := o.store.SaveMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("saving reply: %w", err)
	}
	o.bus.Publish(ctx, conv.ID, snapshot(reply), false)
	return reply, nil
}

// finishReply persists a terminal reply state and publishes the final
// delivery. Persistence failure is logged; the delivery still goes out
// so subscribers see a terminal event instead of hanging.
func (o *Orchestrator) finishReply(ctx context.Context, conversationID string, reply *store.Message) {
	reply.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateMessage(ctx, reply); err != nil {
		o.logger.Error("persisting terminal reply", "error", err, "message_id", reply.ID)
	}
	o.bus.Publish(ctx, conversationID, snapshot(reply), false)
}

// DeleteMessage removes a message and, per deleteFollowing, related
// messages in the same conversation. Returns the deleted ids with the
// named message first. Attachment cleanup is best effort.
func (o *Orchestrator) DeleteMessage(ctx context.Context, userID, messageID string, deleteFollowing bool) ([]string, error) {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	conv, err := o.store.GetConversation(ctx, msg.ConversationID)
	if err != nil || conv.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	targets := []*store.Message{msg}
	if deleteFollowing {
		later, err := o.store.ListMessagesAfter(ctx, conv.ID, msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("listing following messages: %w", err)
		}
		targets = append(targets, later...)
	} else if msg.Role == store.RoleUser {
		reply, err := o.store.NextReply(ctx, conv.ID, msg.CreatedAt)
		switch {
		case err == nil:
			targets = append(targets, reply)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("finding paired reply: %w", err)
		}
	}

	// Collect everything first so the delete is a single decision, then
	// clean up. Storage failures never roll the deletion back.
	ids := make([]string, 0, len(targets))
	var keys []string
	for _, t := range targets {
		ids = append(ids, t.ID)
		keys = append(keys, t.ImageKeys()...)
	}

	if err := o.store.DeleteMessages(ctx, ids); err != nil {
		return nil, fmt.Errorf("deleting messages: %w", err)
	}

	if len(keys) > 0 {
		if err := o.store.RemoveAttachmentKeys(ctx, conv.ID, keys); err != nil {
			o.logger.Warn("removing attachment keys from conversation",
				"error", err,
				"conversation_id", conv.ID)
		}
		for _, key := range keys {
			if err := o.objects.Delete(ctx, key); err != nil {
				o.logger.Warn("deleting attachment object", "error", err, "key", key)
			}
		}
	}

	return ids, nil
}

// CreateConversation starts a new chat for a user.
func (o *Orchestrator) CreateConversation(ctx context.Context, userID, title string) (*store.Conversation, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Pristine:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recent first.
func (o *Orchestrator) ListConversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error) {
	return o.store.ListConversations(ctx, userID, limit)
}

// transcriptLimit bounds the transcript read path.
const transcriptLimit = 500

// ConversationMessages returns the message history of a conversation
// the user owns, oldest first.
func (o *Orchestrator) ConversationMessages(ctx context.Context, userID, conversationID string) ([]*store.Message, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil || conv.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return o.store.ListRecentMessages(ctx, conversationID, transcriptLimit)
}

func (o *Orchestrator) acquire(conversationID string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[conversationID]; busy {
		return false
	}
	o.inflight[conversationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, conversationID)
}

// snapshot copies a message so bus subscribers never observe later
// in-place mutation of a streaming placeholder.
func snapshot(m *store.Message) *store.Message {
	cp := *m
	if len(m.Parts) > 0 {
		cp.Parts = make([]store.MessagePart, len(m.Parts))
		copy(cp.Parts, m.Parts)
	}
	return &cp
}
