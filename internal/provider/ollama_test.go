// ABOUTME: Tests for the Ollama and Gemini adapters against fake endpoints
// ABOUTME: Covers prompt flattening with role markers and the multipart contents schema

package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt_RoleMarkers(t *testing.T) {
	prompt := buildPrompt([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
	})

	assert.Equal(t, "USER: hi\nASSISTANT: hello\nUSER: how are you\nASSISTANT: ", prompt)
}

func TestOllamaAdapter_Invoke(t *testing.T) {
	var gotBody ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprint(w, `{"response":"all good","done":true}`)
	}))
	defer srv.Close()

	a := NewOllamaAdapter(srv.URL, time.Second)
	resp, err := a.Invoke(t.Context(), &Request{
		ModelID: "llama3",
		Messages: []Message{
			{Role: "user", Content: "status?"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "all good", resp.Content)
	assert.Equal(t, "llama3", gotBody.Model)
	assert.False(t, gotBody.Stream)
	assert.Contains(t, gotBody.Prompt, "USER: status?")
}

func TestGeminiAdapter_Invoke(t *testing.T) {
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-pro:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"fine, "},{"text":"thanks"}]}}]}`)
	}))
	defer srv.Close()

	a := NewGeminiAdapter("test-key", srv.URL, time.Second)
	resp, err := a.Invoke(t.Context(), &Request{
		ModelID:      "gemini-pro",
		SystemPrompt: "be nice",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "fine, thanks", resp.Content)
	require.Len(t, gotBody.Contents, 2)
	assert.Equal(t, "user", gotBody.Contents[0].Role)
	assert.Equal(t, "model", gotBody.Contents[1].Role)
	require.NotNil(t, gotBody.SystemInstruction)
	assert.Equal(t, "be nice", gotBody.SystemInstruction.Parts[0].Text)
}

func TestGeminiAdapter_DoesNotAdvertiseStreaming(t *testing.T) {
	assert.False(t, NewGeminiAdapter("", "", 0).SupportsStreaming())
	assert.False(t, NewOllamaAdapter("", 0).SupportsStreaming())
	assert.True(t, NewOpenAIAdapter("", "", 0).SupportsStreaming())
	assert.True(t, NewAnthropicAdapter("", "", 0).SupportsStreaming())
}
