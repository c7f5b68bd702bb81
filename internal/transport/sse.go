package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// handleSendMessage runs one turn and relays its events as server-sent
// events. Failures inside the turn arrive as error events, so the response
// status is 200 once the body has been accepted.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rc := http.NewResponseController(w)

	sessionID := r.PathValue("id")
	ctx := logContext(r.Context(), r, sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(ctx, "event stream cannot flush", "error", err)
	}

	events := s.service.SendMessage(ctx, sessionID, req.Text, authContext(r), req.PageContext)
	broken := false
	for event := range events {
		// Keep draining after a write failure; the turn stops on its own
		// once the request context is cancelled.
		if broken {
			continue
		}
		if err := writeSSE(w, event); err != nil {
			s.logger.DebugContext(ctx, "event stream write failed", "error", err)
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
