// ABOUTME: HTML transcript rendering for a conversation's message history
// ABOUTME: Converts stored markdown content to HTML with goldmark

package httpapi

import (
	"bytes"
	"fmt"
	"html"
	"net/http"

	"github.com/yuin/goldmark"
)

// handleTranscript renders the conversation history as a standalone
// HTML page, one section per message.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	msgs, err := s.orch.ConversationMessages(r.Context(), userID, conversationID)
	if err != nil {
		s.sendOrchestratorError(w, err)
		return
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&page, "<title>Conversation %s</title>", html.EscapeString(conversationID))
	page.WriteString("</head><body>\n")

	for _, m := range msgs {
		fmt.Fprintf(&page, "<section class=\"message role-%s\">\n", html.EscapeString(m.Role))
		fmt.Fprintf(&page, "<h4>%s</h4>\n", html.EscapeString(m.Role))

		var body bytes.Buffer
		if err := goldmark.Convert([]byte(m.Content), &body); err != nil {
			s.logger.Error("rendering message markdown", "error", err, "message_id", m.ID)
			body.Reset()
			fmt.Fprintf(&body, "<pre>%s</pre>", html.EscapeString(m.Content))
		}
		page.Write(body.Bytes())
		page.WriteString("</section>\n")
	}

	page.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page.Bytes())
}
