package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/testutil"
)

type fakeWSWriter struct {
	messages [][]byte
	failAt   int
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	if f.failAt > 0 && len(f.messages) == f.failAt {
		return errors.New("peer gone")
	}
	f.messages = append(f.messages, data)
	return nil
}

func TestThreadStreamSSE(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/threads/sse/stream", map[string]any{"input": "hello there"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	defer resp.Body.Close()

	var items []engine.StreamEvent
	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var item engine.StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &item); err != nil {
				t.Fatalf("decode sse data: %v", err)
			}
			items = append(items, item)
		}
	}
	if len(items) == 0 || len(items) != len(names) {
		t.Fatalf("expected matching event names and data, got %d/%d", len(names), len(items))
	}
	last := items[len(items)-1]
	if last.Type != engine.StreamTypeDone || last.Result == nil || last.Result.Output != "hello there" {
		t.Fatalf("unexpected terminal item: %+v", last)
	}
	deltas := 0
	for _, item := range items {
		if item.Type == engine.StreamTypeDelta {
			deltas++
		}
	}
	if deltas != 2 {
		t.Fatalf("expected 2 deltas, got %d", deltas)
	}
}

func TestThreadStreamRejectsBadInput(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/threads/sse/stream", map[string]any{"input": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestThreadWebsocket(t *testing.T) {
	server := newTestServer(t, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/threads/ws-thread/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"input":"over the wire"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var last engine.StreamEvent
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read before terminal item: %v", err)
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if last.Terminal() {
			break
		}
	}
	if last.Type != engine.StreamTypeDone || last.Result.Output != "over the wire" {
		t.Fatalf("unexpected terminal item: %+v", last)
	}
}

func TestStreamEventsDrainsAfterWriteFailure(t *testing.T) {
	ch := make(chan engine.StreamEvent, 4)
	ch <- engine.StreamEvent{Type: engine.StreamTypeDelta}
	ch <- engine.StreamEvent{Type: engine.StreamTypeDelta}
	ch <- engine.StreamEvent{Type: engine.StreamTypeDelta}
	ch <- engine.StreamEvent{Type: engine.StreamTypeDone}
	close(ch)

	writer := &fakeWSWriter{failAt: 1}
	err := streamEvents(context.Background(), ch, writer)
	if err == nil {
		t.Fatalf("expected write error")
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(writer.messages))
	}
	if len(ch) != 0 {
		t.Fatalf("expected channel drained")
	}
}
