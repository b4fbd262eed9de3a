// ABOUTME: Canonical request/response types and the Adapter interface for model providers
// ABOUTME: Defines the provider-agnostic shapes every vendor adapter translates to and from

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProviderNotSupported is returned when no adapter is registered for a provider.
var ErrProviderNotSupported = errors.New("provider not supported")

// ErrModelNotSupported is returned when the requested model is not in the catalog.
var ErrModelNotSupported = errors.New("model not supported")

// ErrStreamingNotSupported is returned internally when an adapter cannot
// stream a response kind (e.g. images).
var ErrStreamingNotSupported = errors.New("streaming not supported for this response")

// Response type tags
const (
	ResponseText  = "text"
	ResponseImage = "image"
)

// Message is one entry of a canonical request.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Request is the provider-agnostic request shape all adapters consume.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	TopP         float64
	ModelID      string
}

// Response is the provider-agnostic response shape. Text responses carry
// Content; image responses carry the raw payload in Data.
type Response struct {
	Type    string // "text" or "image"
	Content string
	Data    []byte
}

// Callbacks receives streaming events. OnStart fires once before the
// first token. OnToken fires zero or more times; the concatenation of
// all token payloads equals the OnComplete argument exactly. OnComplete
// and OnError are mutually exclusive and each fires at most once.
type Callbacks struct {
	OnStart    func()
	OnToken    func(token string)
	OnComplete func(full string)
	OnError    func(err error)
}

func (c Callbacks) start() {
	if c.OnStart != nil {
		c.OnStart()
	}
}

func (c Callbacks) token(t string) {
	if c.OnToken != nil {
		c.OnToken(t)
	}
}

func (c Callbacks) complete(full string) {
	if c.OnComplete != nil {
		c.OnComplete(full)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Adapter translates canonical requests into one vendor's wire format
// and vendor responses back into canonical shapes.
type Adapter interface {
	// Name is the provider identifier used for catalog routing.
	Name() string

	// SupportsStreaming reports whether the vendor emits native
	// incremental chunks. Adapters that return false get the gateway's
	// simulated streaming fallback.
	SupportsStreaming() bool

	// Invoke runs a request synchronously.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// Stream runs a request with native incremental delivery. Only
	// called when SupportsStreaming is true. The adapter must honor the
	// Callbacks contract; a returned error means the stream failed
	// before or during delivery and OnError has NOT been called.
	Stream(ctx context.Context, req *Request, cb Callbacks) error
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}
