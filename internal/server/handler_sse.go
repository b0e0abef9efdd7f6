package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/pkg/model"
)

const sseBuffer = 256

// handleEventStream streams queue events via Server-Sent Events.
// GET /api/v1/queue/events
//
// The first event is "init" carrying the queue state; every queue event
// follows under its own type name. ?types=a,b limits the stream. The stream
// is best-effort: a client that falls behind by more than sseBuffer events
// misses them and should re-read /queue.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	types, err := events.ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError(err.Error(), model.FieldError{Field: "types", Message: err.Error()}))
		return
	}
	want := make(map[events.Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	// Subscribe before the init event so nothing falls between them.
	ch, unsubscribe := s.queue.SubscribeChan(sseBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := sendSSEEvent(w, flusher, "init", s.queueState()); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}

	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(want) > 0 && !want[e.Type] {
				continue
			}
			if err := sendSSEEvent(w, flusher, string(e.Type), e); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
