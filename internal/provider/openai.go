// ABOUTME: OpenAI chat completions adapter with native SSE streaming
// ABOUTME: Translates canonical requests into chat-message arrays and parses delta chunks

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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI chat completions wire format. It also
// covers any OpenAI-compatible endpoint via a custom base URL.
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIAdapter creates an adapter for the OpenAI chat completions API.
func NewOpenAIAdapter(apiKey, baseURL string, timeout time.Duration) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) SupportsStreaming() bool { return true }

// openaiMessage is one entry of the chat-message array.
type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiRequest is the minimal request shape for the chat completions endpoint.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// openaiResponse is the minimal response shape for non-streaming calls.
type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

// openaiChunk is the per-event envelope of a streaming response.
type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// buildBody converts a canonical request to the chat-message array form.
// The system prompt becomes a leading system message.
func (a *OpenAIAdapter) buildBody(req *Request, stream bool) ([]byte, error) {
	msgs := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content})
	}

	return json.Marshal(openaiRequest{
		Model:       req.ModelID,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      stream,
	})
}

func (a *OpenAIAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

// Invoke runs a non-streaming chat completion.
func (a *OpenAIAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("openai: encoding request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: response contained no choices")
	}

	return &Response{Type: ResponseText, Content: parsed.Choices[0].Message.Content}, nil
}

// Stream runs a streaming chat completion, emitting each delta as a token.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request, cb Callbacks) error {
	body, err := a.buildBody(req, true)
	if err != nil {
		return fmt.Errorf("openai: encoding request: %w", err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	cb.start()
	var full strings.Builder

	err = scanSSE(resp.Body, func(data string) error {
		if data == "[DONE]" {
			return errStopStream
		}
		var chunk openaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("openai: decoding chunk: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				full.WriteString(choice.Delta.Content)
				cb.token(choice.Delta.Content)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cb.complete(full.String())
	return nil
}
