// ABOUTME: Anthropic messages API adapter with native SSE streaming
// ABOUTME: Keeps the system prompt top-level and parses content_block_delta events

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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicAdapter creates an adapter for the Anthropic messages API.
func NewAnthropicAdapter(apiKey, baseURL string, timeout time.Duration) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicRequest is the minimal request shape for the messages endpoint.
// Unlike the chat-completions format, the system prompt is a top-level
// field, and only user/assistant roles are valid in the message array.
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// anthropicEvent is the per-event envelope of a streaming response.
// Token text arrives in content_block_delta events as a text_delta.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildBody converts a canonical request to the messages form. System
// and error roles are folded into user turns since the API rejects them.
func (a *AnthropicAdapter) buildBody(req *Request, stream bool) ([]byte, error) {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return json.Marshal(anthropicRequest{
		Model:       req.ModelID,
		Messages:    msgs,
		System:      req.SystemPrompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	})
}

func (a *AnthropicAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

// Invoke runs a non-streaming message request.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encoding request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("anthropic: decoding response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: response contained no text content")
	}

	return &Response{Type: ResponseText, Content: text.String()}, nil
}

// Stream runs a streaming message request, emitting each text delta as a token.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request, cb Callbacks) error {
	body, err := a.buildBody(req, true)
	if err != nil {
		return fmt.Errorf("anthropic: encoding request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	cb.start()
	var full strings.Builder

	err = scanSSE(resp.Body, func(data string) error {
		var event anthropicEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("anthropic: decoding event: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				full.WriteString(event.Delta.Text)
				cb.token(event.Delta.Text)
			}
		case "error":
			return fmt.Errorf("anthropic: %s: %s", event.Error.Type, event.Error.Message)
		case "message_stop":
			return errStopStream
		}
		return nil
	})
	if err != nil {
		return err
	}

	cb.complete(full.String())
	return nil
}
