// Package delivery fans conversation events out to subscribed clients.
//
// # Backends
//
// Two interchangeable backends implement Bus:
//
//   - LocalBus: in-process publish/subscribe, single instance only.
//   - SharedBus: Redis-backed, multi-instance. Publishes write the full
//     message into an ephemeral TTL cache and broadcast a lightweight
//     Envelope on a conversation-independent channel; per-conversation
//     subscribers resolve envelopes back to full messages and republish
//     them into the local bus.
//
// The shared backend is strictly best-effort: every broker failure
// downgrades that publish to local delivery, and once the reconnect
// ceiling is hit shared mode disables itself for the rest of the
// process lifetime. Publish never returns an error.
//
// # Ordering
//
// Within one process, events for a conversation are delivered in
// publish order. Across processes publishing concurrently for the same
// conversation, envelope ordering is best-effort.
//
// # Registry
//
// Registry maps live connections to the conversation they watch so that
// DisconnectClient can tear down the per-conversation broker
// subscription deterministically when the connection closes.
package delivery
