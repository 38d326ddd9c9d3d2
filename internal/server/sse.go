package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleEvents streams an audit's bus events as Server-Sent Events. The
// stream ends when the client disconnects; heartbeats keep proxies from
// closing idle connections while long-running tools are silent.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	auditID := mux.Vars(r)["audit_id"]
	if auditID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "audit_id is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.handler.bus.Subscribe(auditID)
	defer sub.Close()

	// Replay retained events first so late subscribers see the full
	// history of an in-flight audit.
	for _, ev := range s.handler.bus.Replay(auditID) {
		if err := writeSSE(w, ev.Topic, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Subscription evicted or bus closed.
				fmt.Fprintf(w, "event: stream.closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeSSE(w, ev.Topic, ev); err != nil {
				s.logger.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event any, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %v\ndata: %s\n\n", event, data)
	return err
}
