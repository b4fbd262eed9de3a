// Package provider implements the uniform gateway over model vendors.
//
// # Overview
//
// Each vendor gets an Adapter that translates the canonical Request into
// its wire format and translates vendor responses (including streaming
// chunk envelopes) back into plain text. The Gateway owns a static map
// of provider name to adapter, built once at startup, and routes by the
// model catalog.
//
// # Preprocessing
//
// Every request goes through Preprocess before an adapter sees it:
// messages are sorted by timestamp (user wins ties) and adjacent
// same-role messages are merged. The pass is idempotent.
//
// # Streaming
//
//	gw.InvokeStream(ctx, req, provider.Callbacks{
//	    OnToken:    func(t string) { ... },
//	    OnComplete: func(full string) { ... },
//	    OnError:    func(err error) { ... },
//	})
//
// InvokeStream never returns an error; all failure arrives via OnError,
// so callers always observe a terminal callback. Adapters without
// native streaming (gemini, ollama) get simulated streaming: the
// response is fetched synchronously and replayed as whitespace-split
// chunks with a short delay between each. In both cases the
// concatenation of OnToken payloads equals the OnComplete argument.
//
// # Failure
//
// Unknown models and providers fail hard on the sync path
// (ErrModelNotSupported, ErrProviderNotSupported) and via OnError on
// the streaming path. Upstream HTTP failures surface as
// *HTTPStatusError.
package provider
