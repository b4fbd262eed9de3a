// ABOUTME: HTTP JSON and SSE surface for conversations, messages and live delivery
// ABOUTME: Extracts caller identity from JWT bearer tokens, no authorization beyond ownership

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatstream/internal/delivery"
	"github.com/2389/chatstream/internal/orchestrator"
	"github.com/2389/chatstream/internal/store"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch     *orchestrator.Orchestrator
	bus      delivery.Bus
	verifier TokenVerifier
	logger   *slog.Logger

	// Optional health probes wired in by the CLI.
	CheckStore  func() error
	CheckBroker func() error
}

// NewServer creates the API server. Pass nil logger for default.
func NewServer(orch *orchestrator.Orchestrator, bus delivery.Bus, verifier TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:     orch,
		bus:      bus,
		verifier: verifier,
		logger:   logger.With("component", "httpapi"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/conversations", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handleCreateMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.requireAuth(s.handleDeleteMessage))
	mux.HandleFunc("GET /api/conversations/{id}/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/conversations/{id}/transcript", s.requireAuth(s.handleTranscript))

	return mux
}

// authedHandler receives the verified user id alongside the request.
type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireAuth extracts and verifies the bearer token. Identity only,
// no roles or scopes.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.verifier.Verify(token)
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Pristine       bool     `json:"pristine"`
	AttachmentKeys []string `json:"attachment_keys,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// CreateMessageRequest is the JSON request body for POST /api/messages.
// Attachments are base64-encoded image payloads.
type CreateMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Role           string   `json:"role,omitempty"`
	ModelID        string   `json:"model_id"`
	Attachments    []string `json:"attachments,omitempty"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Role           string                `json:"role"`
	Content        string                `json:"content"`
	ModelID        string                `json:"model_id,omitempty"`
	Status         string                `json:"status"`
	Parts          []MessagePartResponse `json:"parts,omitempty"`
	CreatedAt      string                `json:"created_at"`
	UpdatedAt      string                `json:"updated_at"`
}

// MessagePartResponse is the JSON shape of a typed message part.
type MessagePartResponse struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
}

// DeleteMessageResponse is the JSON response for DELETE /api/messages/{id}.
type DeleteMessageResponse struct {
	Deleted []string `json:"deleted"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := s.orch.CreateConversation(r.Context(), userID, req.Title)
	if err != nil {
		s.logger.Error("creating conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	s.sendJSON(w, http.StatusCreated, conversationToResponse(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := s.orch.ListConversations(r.Context(), userID, 100)
	if err != nil {
		s.logger.Error("listing conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationToResponse(c))
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.ModelID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation_id and model_id are required")
		return
	}

	attachments := make([][]byte, 0, len(req.Attachments))
	for i, enc := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("attachment %d is not valid base64", i))
			return
		}
		attachments = append(attachments, data)
	}

	reply, err := s.orch.CreateMessage(r.Context(), userID, orchestrator.CreateMessageInput{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Role:           req.Role,
		ModelID:        req.ModelID,
		Attachments:    attachments,
	})
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, messageToResponse(reply))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	following := r.URL.Query().Get("following") == "true"

	ids, err := s.orch.DeleteMessage(r.Context(), userID, id, following)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, DeleteMessageResponse{Deleted: ids})
}

// handleEvents streams delivery events for one conversation over SSE.
// The connection is registered with the bus for broker fan-in and torn
// down when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	// Ownership check before subscribing.
	if _, err := s.orch.ConversationMessages(r.Context(), userID, conversationID); err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connID := uuid.New().String()
	s.bus.ConnectClient(r.Context(), connID, conversationID)
	defer s.bus.DisconnectClient(connID)

	events, subID := s.bus.Subscribe(r.Context(), conversationID)
	defer s.bus.Unsubscribe(conversationID, subID)

	s.writeSSEEvent(w, "connected", map[string]string{"conversation_id": conversationID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if s.CheckStore != nil {
		if err := s.CheckStore(); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["store"] = "ok"
		}
	}
	if s.CheckBroker != nil {
		// Broker loss degrades delivery but never fails the process.
		if err := s.CheckBroker(); err != nil {
			status["broker"] = "local-only"
		} else {
			status["broker"] = "ok"
		}
	}

	s.sendJSON(w, code, status)
}

// sendOrchestratorError maps orchestrator sentinels to HTTP statuses.
func (s *Server) sendOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrConversationNotFound),
		errors.Is(err, orchestrator.ErrMessageNotFound),
		errors.Is(err, orchestrator.ErrModelNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrGenerationInFlight):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshaling SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func conversationToResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		Title:          c.Title,
		Pristine:       c.Pristine,
		AttachmentKeys: c.AttachmentKeys,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
}

func messageToResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		ModelID:        m.ModelID,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      m.UpdatedAt.Format(time.RFC3339),
	}
	for _, p := range m.Parts {
		resp.Parts = append(resp.Parts, MessagePartResponse{
			Index:      p.Index,
			Type:       p.Type,
			Text:       p.Text,
			StorageKey: p.StorageKey,
		})
	}
	return resp
}
