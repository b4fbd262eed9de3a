// ABOUTME: Gateway routing canonical requests to statically registered vendor adapters
// ABOUTME: Provides sync invoke, native streaming, and simulated streaming fallback

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/2389/chatstream/internal/model"
)

// Gateway owns the adapter registry and the model catalog. Adapters are
// registered once at construction; there is no per-call dynamic lookup
// beyond the map resolution.
type Gateway struct {
	adapters map[string]Adapter
	catalog  *model.Catalog
	simDelay time.Duration
	logger   *slog.Logger
}

// NewGateway builds a gateway from a catalog and a fixed adapter set.
// Pass nil logger for default.
func NewGateway(catalog *model.Catalog, simDelay time.Duration, logger *slog.Logger, adapters ...Adapter) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		adapters: make(map[string]Adapter, len(adapters)),
		catalog:  catalog,
		simDelay: simDelay,
		logger:   logger.With("component", "provider"),
	}
	for _, a := range adapters {
		g.adapters[a.Name()] = a
	}
	return g
}

// resolve maps a model id to its adapter via the catalog.
func (g *Gateway) resolve(modelID string) (*model.Model, Adapter, error) {
	m, err := g.catalog.Get(modelID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrModelNotSupported, modelID)
	}
	adapter, ok := g.adapters[m.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProviderNotSupported, m.Provider)
	}
	return m, adapter, nil
}

// Invoke runs a request synchronously. Unknown models or providers fail
// hard with ErrModelNotSupported / ErrProviderNotSupported.
func (g *Gateway) Invoke(ctx context.Context, req *Request) (*Response, error) {
	_, adapter, err := g.resolve(req.ModelID)
	if err != nil {
		return nil, err
	}

	prepared := *req
	prepared.Messages = Preprocess(req.Messages)

	g.logger.Debug("invoking provider",
		"provider", adapter.Name(),
		"model", req.ModelID,
		"messages", len(prepared.Messages))

	return adapter.Invoke(ctx, &prepared)
}

// InvokeStream runs a request with incremental delivery. It never
// returns an error: all failure is reported through cb.OnError,
// including unknown models and providers.
func (g *Gateway) InvokeStream(ctx context.Context, req *Request, cb Callbacks) {
	_, adapter, err := g.resolve(req.ModelID)
	if err != nil {
		cb.fail(err)
		return
	}

	prepared := *req
	prepared.Messages = Preprocess(req.Messages)

	if !adapter.SupportsStreaming() {
		g.simulateStream(ctx, adapter, &prepared, cb)
		return
	}

	if err := adapter.Stream(ctx, &prepared, cb); err != nil {
		g.logger.Warn("provider stream failed",
			"provider", adapter.Name(),
			"model", req.ModelID,
			"error", err)
		cb.fail(err)
	}
}

// simulateStream runs the request synchronously and replays the response
// as artificial whitespace-delimited chunks with a small delay between
// each, so non-streaming providers still feel incremental to clients.
func (g *Gateway) simulateStream(ctx context.Context, adapter Adapter, req *Request, cb Callbacks) {
	resp, err := adapter.Invoke(ctx, req)
	if err != nil {
		cb.fail(err)
		return
	}
	if resp.Type != ResponseText {
		cb.fail(fmt.Errorf("%w: %s response", ErrStreamingNotSupported, resp.Type))
		return
	}

	cb.start()
	for _, chunk := range splitChunks(resp.Content) {
		select {
		case <-ctx.Done():
			cb.fail(ctx.Err())
			return
		default:
		}
		cb.token(chunk)
		time.Sleep(g.simDelay)
	}
	cb.complete(resp.Content)
}

// splitChunks breaks text at whitespace boundaries while preserving the
// whitespace itself, so concatenating the chunks reproduces the input
// exactly.
func splitChunks(s string) []string {
	if s == "" {
		return nil
	}

	var chunks []string
	var b strings.Builder
	inSpace := false

	for _, r := range s {
		isSpace := unicode.IsSpace(r)
		// A chunk is a word plus its trailing whitespace run; cut when
		// whitespace turns back into a word.
		if inSpace && !isSpace {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteRune(r)
		inSpace = isSpace
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
