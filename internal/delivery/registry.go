// ABOUTME: Registry mapping live connections to the conversation they watch
// ABOUTME: Gives ConnectClient/DisconnectClient deterministic teardown instead of GC timing

package delivery

import "sync"

// Registry tracks which connection is interested in which conversation.
// Unregistration is driven explicitly by the connection's close event,
// so teardown never depends on collector timing.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]string // connID -> conversationID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]string)}
}

// Register records a connection's interest in a conversation. A
// connection watches at most one conversation; re-registering replaces
// the previous mapping.
func (r *Registry) Register(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = conversationID
}

// Resolve returns the conversation a connection watches, if any.
func (r *Registry) Resolve(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convID, ok := r.conns[connID]
	return convID, ok
}

// Unregister removes a connection's mapping. Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
