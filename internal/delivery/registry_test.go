// ABOUTME: Tests for the connection-to-conversation registry
// ABOUTME: Covers register, resolve, replace, idempotent unregister

package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "conv-a")

	convID, ok := r.Resolve("conn-1")
	assert.True(t, ok)
	assert.Equal(t, "conv-a", convID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Resolve("nope")
	assert.False(t, ok)
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "conv-a")
	r.Register("conn-1", "conv-b")

	convID, ok := r.Resolve("conn-1")
	assert.True(t, ok)
	assert.Equal(t, "conv-b", convID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Register("conn-1", "conv-a")
	r.Unregister("conn-1")
	r.Unregister("conn-1")

	_, ok := r.Resolve("conn-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}
