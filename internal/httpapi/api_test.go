// ABOUTME: Tests for the HTTP JSON API and SSE event stream
// ABOUTME: Runs the full stack on the in-memory store, local bus and a scripted provider

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatstream/internal/delivery"
	"github.com/2389/chatstream/internal/model"
	"github.com/2389/chatstream/internal/orchestrator"
	"github.com/2389/chatstream/internal/provider"
	"github.com/2389/chatstream/internal/storage"
	"github.com/2389/chatstream/internal/store"
)

// echoInvoker replies with a fixed text for every generation.
type echoInvoker struct {
	reply string
}

func (e *echoInvoker) Invoke(context.Context, *provider.Request) (*provider.Response, error) {
	return &provider.Response{Type: provider.ResponseText, Content: e.reply}, nil
}

func (e *echoInvoker) InvokeStream(_ context.Context, _ *provider.Request, cb provider.Callbacks) {
	cb.OnStart()
	cb.OnToken(e.reply)
	cb.OnComplete(e.reply)
}

type testEnv struct {
	server   *httptest.Server
	store    *store.MockStore
	bus      delivery.Bus
	verifier *JWTVerifier
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMockStore()
	bus := delivery.NewLocalBus(nil)
	t.Cleanup(bus.Close)

	catalog, err := model.New(map[string]*model.Model{
		"echo-1": {Provider: "fake", Streaming: false},
	})
	require.NoError(t, err)

	orch := orchestrator.New(st, bus, &echoInvoker{reply: "echoed"},
		storage.NewMemoryStorage(), catalog, orchestrator.Options{}, nil)

	verifier := NewJWTVerifier([]byte("test-secret"))
	srv := NewServer(orch, bus, verifier, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := verifier.Generate("user-1", time.Hour)
	require.NoError(t, err)

	return &testEnv{server: ts, store: st, bus: bus, verifier: verifier, token: token}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) seedConversation(t *testing.T, userID string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     "seeded",
		Pristine:  true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateConversation(t.Context(), conv))
	return conv
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_RejectsInvalidToken(t *testing.T) {
	e := newTestEnv(t)
	e.token = "garbage"

	resp := e.request(t, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_CreateAndListConversations(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/conversations", CreateConversationRequest{Title: "my chat"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[ConversationResponse](t, resp)
	assert.Equal(t, "my chat", created.Title)
	assert.True(t, created.Pristine)

	resp = e.request(t, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]ConversationResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestAPI_CreateMessage(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	resp := e.request(t, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: conv.ID,
		Content:        "hello",
		ModelID:        "echo-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	reply := decode[MessageResponse](t, resp)
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "echoed", reply.Content)
	assert.Equal(t, store.StatusComplete, reply.Status)
}

func TestAPI_CreateMessageUnknownConversation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: "nope",
		Content:        "hello",
		ModelID:        "echo-1",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateMessageUnknownModel(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	resp := e.request(t, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: conv.ID,
		Content:        "hello",
		ModelID:        "missing-model",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateMessageMissingFields(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/messages", CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateMessageBadAttachment(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	resp := e.request(t, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: conv.ID,
		Content:        "hi",
		ModelID:        "echo-1",
		Attachments:    []string{"%%% not base64 %%%"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DeleteMessage(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	msg := &store.Message{
		ID: "m1", ConversationID: conv.ID, UserID: "user-1",
		Role: store.RoleAssistant, Content: "bye",
		Status: store.StatusComplete, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.SaveMessage(t.Context(), msg))

	resp := e.request(t, http.MethodDelete, "/api/messages/m1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[DeleteMessageResponse](t, resp)
	assert.Equal(t, []string{"m1"}, out.Deleted)
}

func TestAPI_DeleteMessageUnknown(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodDelete, "/api/messages/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeleteFollowingQueryParam(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	base := time.Now().UTC()
	for i, id := range []string{"d1", "d2", "d3"} {
		msg := &store.Message{
			ID: id, ConversationID: conv.ID, UserID: "user-1",
			Role: store.RoleAssistant, Status: store.StatusComplete,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, e.store.SaveMessage(t.Context(), msg))
	}

	resp := e.request(t, http.MethodDelete, "/api/messages/d1?following=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[DeleteMessageResponse](t, resp)
	assert.Equal(t, []string{"d1", "d2", "d3"}, out.Deleted)
}

func TestAPI_Transcript(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	msg := &store.Message{
		ID: "m1", ConversationID: conv.ID, UserID: "user-1",
		Role: store.RoleUser, Content: "some **bold** text",
		Status: store.StatusComplete, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.SaveMessage(t.Context(), msg))

	resp := e.request(t, http.MethodGet, "/api/conversations/"+conv.ID+"/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<strong>bold</strong>")
	assert.Contains(t, string(body), "role-user")
}

func TestAPI_TranscriptForeignConversation(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "someone-else")

	resp := e.request(t, http.MethodGet, "/api/conversations/"+conv.ID+"/transcript", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Healthz(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestAPI_EventsStreamsDeliveries(t *testing.T) {
	e := newTestEnv(t)
	conv := e.seedConversation(t, "user-1")

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.server.URL+"/api/conversations/"+conv.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	requireSSEEvent(t, reader, "connected")

	// A publish on the bus shows up on the stream.
	e.bus.Publish(ctx, conv.ID, &store.Message{
		ID: "live-1", ConversationID: conv.ID, UserID: "user-1",
		Role: store.RoleAssistant, Content: "streamed",
		Status: store.StatusStreaming, CreatedAt: time.Now().UTC(),
	}, true)

	data := requireSSEEvent(t, reader, "message")
	var ev delivery.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.True(t, ev.IsPartial)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "live-1", ev.Message.ID)

	e.bus.PublishError(ctx, conv.ID, fmt.Errorf("boom"))
	data = requireSSEEvent(t, reader, "error")
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "boom", ev.Error)
}

// requireSSEEvent reads lines until it sees the named event and returns
// its data payload.
func requireSSEEvent(t *testing.T, reader *bufio.Reader, event string) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err, "waiting for SSE event %q", event)
		line = strings.TrimRight(line, "\n")
		if line != "event: "+event {
			continue
		}
		dataLine, err := reader.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimPrefix(strings.TrimRight(dataLine, "\n"), "data: ")
	}
}
