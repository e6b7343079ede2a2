package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flitsinc/go-threads/internal/threads"
)

type traceEntry struct {
	Index     int            `json:"index"`
	Kind      string         `json:"kind"`
	Tick      int64          `json:"tick"`
	TraceID   string         `json:"trace_id,omitempty"`
	CreatedAt string         `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type traceFile struct {
	AgentID   string       `json:"agent_id"`
	ThreadID  string       `json:"thread_id"`
	Model     string       `json:"model,omitempty"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
	Entries   []traceEntry `json:"entries"`
}

var keyParamPattern = regexp.MustCompile(`([&?]key)=([^&]+)`)

// modelTrace keeps one JSON file per thread with every model request, model
// response and tool call of its runs. Values of *API_KEY environment
// variables are redacted. A nil *modelTrace records nothing.
type modelTrace struct {
	mu         sync.Mutex
	path       string
	redactions []string
	logger     *slog.Logger
	file       traceFile
}

func newModelTrace(debugDir string, thread threads.Thread, logger *slog.Logger) *modelTrace {
	path := tracePath(debugDir, thread.AgentID, thread.ID)
	if path == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	t := &modelTrace{
		path:       path,
		redactions: apiKeySecrets(),
		logger:     logger,
		file: traceFile{
			AgentID:   thread.AgentID,
			ThreadID:  thread.ID,
			Model:     thread.Model,
			CreatedAt: now,
			UpdatedAt: now,
			Entries:   make([]traceEntry, 0, 8),
		},
	}
	// Later runs of the same thread extend its file.
	if blob, err := os.ReadFile(path); err == nil {
		var prev traceFile
		if json.Unmarshal(blob, &prev) == nil && prev.ThreadID == thread.ID {
			prev.Model = thread.Model
			t.file = prev
		}
	}
	return t
}

func tracePath(debugDir, agentID, threadID string) string {
	dir := strings.TrimSpace(debugDir)
	if dir == "" {
		return ""
	}
	id := sanitizeTraceName(threadID)
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	name := id + ".json"
	if agent := sanitizeTraceName(agentID); agent != "" {
		name = agent + "-" + name
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, name)
}

func sanitizeTraceName(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func apiKeySecrets() []string {
	var out []string
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if ok && value != "" && strings.HasSuffix(key, "API_KEY") {
			out = append(out, value)
		}
	}
	return out
}

func (t *modelTrace) redact(text string) string {
	if text == "" {
		return text
	}
	text = keyParamPattern.ReplaceAllString(text, "$1=…")
	for _, secret := range t.redactions {
		text = strings.ReplaceAll(text, secret, "…")
	}
	return text
}

func (t *modelTrace) Request(ctx context.Context, tick int64, req any) {
	if t == nil {
		return
	}
	t.record(ctx, "request", tick, map[string]any{"data": t.redact(marshalTrace(req))})
}

func (t *modelTrace) Response(ctx context.Context, tick int64, resp any, err error) {
	if t == nil {
		return
	}
	payload := map[string]any{"data": t.redact(marshalTrace(resp))}
	if err != nil {
		payload["error"] = t.redact(err.Error())
	}
	t.record(ctx, "response", tick, payload)
}

func (t *modelTrace) Tool(ctx context.Context, tick int64, call threads.ToolCall, result threads.ToolResult) {
	if t == nil {
		return
	}
	t.record(ctx, "tool", tick, map[string]any{
		"call_id":   call.CallID,
		"name":      call.Name,
		"arguments": t.redact(string(call.Arguments)),
		"output":    t.redact(result.Output),
		"is_error":  result.IsError,
	})
}

func (t *modelTrace) record(ctx context.Context, kind string, tick int64, payload map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := traceEntry{
		Index:     len(t.file.Entries) + 1,
		Kind:      kind,
		Tick:      tick,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		entry.TraceID = sc.TraceID().String()
	}
	t.file.Entries = append(t.file.Entries, entry)
	t.file.UpdatedAt = entry.CreatedAt
	if err := t.persistLocked(); err != nil && t.logger != nil {
		t.logger.Warn("write model trace",
			slog.String("thread_id", t.file.ThreadID),
			slog.String("path", t.path),
			slog.String("error", err.Error()),
		)
	}
}

// persistLocked replaces the file atomically so readers never see a partial
// trace.
func (t *modelTrace) persistLocked() error {
	blob, err := json.MarshalIndent(t.file, "", "  ")
	if err != nil {
		return err
	}
	blob = append(blob, '\n')
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

func marshalTrace(v any) string {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(blob)
}
