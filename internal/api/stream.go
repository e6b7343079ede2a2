package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-threads/internal/engine"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleThreadStream runs the thread and writes each StreamEvent as a
// Server-Sent Event. Disconnecting aborts the run.
func (s *Server) handleThreadStream(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req runRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	ch, err := s.Engine.Stream(r.Context(), req.runInput(threadID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for evt := range ch {
		if err := writeSSE(w, evt); err != nil {
			// Keep draining so the run can finish and release the thread.
			continue
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, evt engine.StreamEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	return err
}

// handleThreadWS accepts a websocket, reads one runRequest frame and streams
// the run back, one StreamEvent per text frame.
func (s *Server) handleThreadWS(w http.ResponseWriter, r *http.Request, threadID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req runRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = writeStreamError(ctx, conn, err)
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}

	ch, err := s.Engine.Stream(ctx, req.runInput(threadID))
	if err != nil {
		_ = writeStreamError(ctx, conn, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "run rejected")
		return
	}
	if err := streamEvents(ctx, ch, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamEvents forwards ch to writer until the terminal item. After a write
// failure ch is still drained.
func streamEvents(ctx context.Context, ch <-chan engine.StreamEvent, writer wsWriter) error {
	var writeErr error
	for evt := range ch {
		if writeErr != nil {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			writeErr = err
			continue
		}
		writeErr = writer.Write(ctx, websocket.MessageText, payload)
	}
	return writeErr
}

func writeStreamError(ctx context.Context, writer wsWriter, err error) error {
	payload, _ := json.Marshal(engine.StreamEvent{Type: engine.StreamTypeError, Error: err.Error()})
	return writer.Write(ctx, websocket.MessageText, payload)
}
