// ABOUTME: Ollama generate adapter using a single concatenated prompt with role markers
// ABOUTME: Non-streaming; relies on the gateway's simulated streaming fallback

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaAdapter speaks the Ollama generate API. Instead of a structured
// message array, the whole conversation is flattened into one prompt
// with role markers, the oldest of the three request formats.
type OllamaAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaAdapter creates an adapter for a local or remote Ollama server.
func NewOllamaAdapter(baseURL string, timeout time.Duration) *OllamaAdapter {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OllamaAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *OllamaAdapter) Name() string { return "ollama" }

func (a *OllamaAdapter) SupportsStreaming() bool { return false }

type ollamaRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	System  string `json:"system,omitempty"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
		TopP        float64 `json:"top_p,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// buildPrompt flattens the conversation into role-marked lines ending
// with an assistant cue.
func buildPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("ASSISTANT: ")
	return b.String()
}

// Invoke runs a generate request.
func (a *OllamaAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	var body ollamaRequest
	body.Model = req.ModelID
	body.Prompt = buildPrompt(req.Messages)
	body.System = req.SystemPrompt
	body.Stream = false
	body.Options.Temperature = req.Temperature
	body.Options.NumPredict = req.MaxTokens
	body.Options.TopP = req.TopP

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/generate", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("ollama: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama: decoding response: %w", err)
	}

	return &Response{Type: ResponseText, Content: parsed.Response}, nil
}

// Stream is never called; the gateway simulates streaming instead.
func (a *OllamaAdapter) Stream(ctx context.Context, req *Request, cb Callbacks) error {
	return fmt.Errorf("ollama: %w", ErrStreamingNotSupported)
}
