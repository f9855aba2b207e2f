package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/workerfarm/internal/model"
	"github.com/seantiz/workerfarm/internal/store"
)

func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCall(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call for messages", "call_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get call")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	// A finished call replays its journaled messages.
	if model.Terminal(c.Status) {
		msgs, err := s.store.GetMessages(r.Context(), id)
		if err != nil {
			s.logger.Error("get messages for replay", "call_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get messages")
			return
		}
		w.WriteHeader(http.StatusOK)
		for _, m := range msgs {
			if err := writeSSEData(w, string(m.Payload)); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", c.Status)
		flush()
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a call that finished since the lookup above yields a
	// closed channel.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, string(payload)); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// messageHistoryItem is a single message in the history response.
type messageHistoryItem struct {
	Seq       int             `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// messageHistoryResponse is the JSON response for
// GET /v1/calls/{id}/messages/history.
type messageHistoryResponse struct {
	CallID   string               `json:"call_id"`
	Messages []messageHistoryItem `json:"messages"`
}

func (s *Server) handleGetMessageHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	_, err := s.store.GetCall(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call for message history", "call_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get call")
		return
	}

	msgs, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("get messages", "call_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	items := make([]messageHistoryItem, len(msgs))
	for i, m := range msgs {
		items[i] = messageHistoryItem{
			Seq:       m.Seq,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, messageHistoryResponse{
		CallID:   id,
		Messages: items,
	})
}

// writeSSEData writes a payload as an SSE data event. Multi-line payloads
// get one "data:" prefix per line.
func writeSSEData(w http.ResponseWriter, payload string) error {
	for seg := range strings.SplitSeq(payload, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
