// ABOUTME: Object storage abstraction for message image attachments
// ABOUTME: Defines the interface plus deterministic attachment key derivation

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("storage: object not found")

// Attachment directions. Inbound objects arrived with a user message,
// outbound objects were produced by a model.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ObjectStorage stores binary attachments under string keys.
type ObjectStorage interface {
	// Put writes the object, overwriting any previous content.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object content.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// AttachmentKey derives the storage key for one attachment. Keys are
// deterministic so a retried upload lands on the same object.
func AttachmentKey(conversationID, messageID, direction string, index int, ext string) string {
	return fmt.Sprintf("%s-%s-%s-%d.%s", conversationID, messageID, direction, index, ext)
}

// SniffExt guesses a file extension from the payload bytes. Unknown
// content defaults to png, which is what every supported provider
// returns for generated images.
func SniffExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/png":
		return "png"
	default:
		return "png"
	}
}

// ContentTypeForExt maps an attachment extension back to a MIME type.
func ContentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
