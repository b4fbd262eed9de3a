// ABOUTME: Tests for attachment key derivation and the in-memory backend
// ABOUTME: Covers key determinism, content sniffing, and basic CRUD behavior

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentKey_Format(t *testing.T) {
	key := AttachmentKey("conv-1", "msg-2", DirectionIn, 0, "png")
	assert.Equal(t, "conv-1-msg-2-in-0.png", key)

	key = AttachmentKey("conv-1", "msg-2", DirectionOut, 3, "jpeg")
	assert.Equal(t, "conv-1-msg-2-out-3.jpeg", key)
}

func TestAttachmentKey_Deterministic(t *testing.T) {
	a := AttachmentKey("c", "m", DirectionIn, 1, "png")
	b := AttachmentKey("c", "m", DirectionIn, 1, "png")
	assert.Equal(t, a, b)
}

func TestSniffExt(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.Equal(t, "png", SniffExt(png))

	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF")
	assert.Equal(t, "jpeg", SniffExt(jpeg))

	gif := []byte("GIF89a\x01\x00\x01\x00")
	assert.Equal(t, "gif", SniffExt(gif))

	// Unknown bytes fall back to png.
	assert.Equal(t, "png", SniffExt([]byte("not an image")))
	assert.Equal(t, "png", SniffExt(nil))
}

func TestContentTypeForExt(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForExt("jpg"))
	assert.Equal(t, "image/jpeg", ContentTypeForExt("JPEG"))
	assert.Equal(t, "image/gif", ContentTypeForExt("gif"))
	assert.Equal(t, "image/png", ContentTypeForExt("png"))
	assert.Equal(t, "image/png", ContentTypeForExt("bin"))
}

func TestMemoryStorage_PutGetDelete(t *testing.T) {
	s := NewMemoryStorage()

	err := s.Put(t.Context(), "k1", []byte("hello"), "image/png")
	require.NoError(t, err)

	data, err := s.Get(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete(t.Context(), "k1"))
	_, err = s.Get(t.Context(), "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_DeleteMissingIsNoError(t *testing.T) {
	s := NewMemoryStorage()
	assert.NoError(t, s.Delete(t.Context(), "nope"))
}

func TestMemoryStorage_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.Put(t.Context(), "k", []byte("abc"), "image/png"))

	data, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	data[0] = 'X'

	again, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
