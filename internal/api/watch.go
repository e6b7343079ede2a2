package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const watchKeepAlive = 15 * time.Second

// handleWatch streams thread state changes as Server-Sent Events until the
// client disconnects. Repeat thread_id to watch several threads; omit it to
// watch all of them.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusNotFound, errNotFound("watch"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	ctx := r.Context()
	ch := s.Bus.Subscribe(ctx, r.URL.Query()["thread_id"])

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(watchKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger().Warn("encode watch event", "thread_id", evt.ThreadID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: thread\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
