package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/tasks"
	"github.com/flitsinc/go-threads/internal/testutil"
	"github.com/flitsinc/go-threads/internal/threads"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires an engine over a temp SQLite store. The "echo" model is
// the default; extra models are registered under their map keys.
func newTestServer(t *testing.T, models map[string]ai.Model) *Server {
	t.Helper()
	store := testutil.OpenTestStore(t)
	registry := ai.NewRegistry("echo")
	registry.Register("echo", ai.Echo{})
	for name, model := range models {
		registry.Register(name, model)
	}
	table := tasks.NewTable(tasks.WithLogger(quietLogger()))
	eng, err := engine.New(store, registry, agenttools.Builtins(time.Hour), engine.Options{
		Logger:    quietLogger(),
		Observers: []engine.Observer{table},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &Server{Engine: eng, Tasks: table, Logger: quietLogger(), StartedAt: time.Now().UTC()}
}

func TestThreadRunReusesThread(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/threads/thread-1/run", map[string]any{"input": "First"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first run status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var first runResponse
	decodeJSONResponse(t, resp, &first)
	if first.Outcome != engine.OutcomeCompleted || first.Output != "First" || first.Thread.Tick != 1 {
		t.Fatalf("unexpected first result: %+v", first.RunResult)
	}

	resp = doJSON(t, client, "POST", "/api/threads/thread-1/run", map[string]any{"input": "Second"})
	var second runResponse
	decodeJSONResponse(t, resp, &second)
	if second.Thread.Tick != 2 || second.Thread.State != threads.StateZombie {
		t.Fatalf("unexpected second result: %+v", second.Thread)
	}

	resp = doJSON(t, client, "GET", "/api/threads/thread-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var got threadResponse
	decodeJSONResponse(t, resp, &got)
	if len(got.History.Events) != 4 || got.History.Turns != 2 {
		t.Fatalf("expected 4 events over 2 turns, got %d/%d", len(got.History.Events), got.History.Turns)
	}
	for i, evt := range got.History.Events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
	}

	resp = doJSON(t, client, "GET", "/api/threads/thread-1/events?after=2", nil)
	var tail []threads.Event
	decodeJSONResponse(t, resp, &tail)
	if len(tail) != 2 || tail[0].Seq != 3 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	resp = doJSON(t, client, "GET", "/api/threads?state=zombie", nil)
	var listed []threads.Thread
	decodeJSONResponse(t, resp, &listed)
	if len(listed) != 1 || listed[0].ID != "thread-1" {
		t.Fatalf("unexpected list: %+v", listed)
	}
}

func TestErrorStatuses(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	expectStatus := func(method, path string, payload any, want int) {
		t.Helper()
		resp := doJSON(t, client, method, path, payload)
		if resp.StatusCode != want {
			t.Fatalf("%s %s: expected %d, got %d body=%s", method, path, want, resp.StatusCode, readBody(t, resp))
		}
		resp.Body.Close()
	}

	expectStatus("POST", "/api/threads/a1/run", map[string]any{"input": "  "}, http.StatusBadRequest)
	expectStatus("POST", "/api/threads/a1/run", map[string]any{"bogus": true}, http.StatusBadRequest)
	expectStatus("GET", "/api/threads/missing", nil, http.StatusNotFound)
	expectStatus("GET", "/api/threads/missing/events", nil, http.StatusNotFound)
	expectStatus("GET", "/api/threads?state=sleepy", nil, http.StatusBadRequest)
	expectStatus("POST", "/api/threads", map[string]any{"id": "Not Valid", "agent_id": "x"}, http.StatusBadRequest)
	expectStatus("POST", "/api/threads", map[string]any{"id": "a1", "agent_id": "x"}, http.StatusCreated)
	expectStatus("POST", "/api/threads", map[string]any{"id": "a1", "agent_id": "x"}, http.StatusConflict)
	expectStatus("POST", "/api/threads/a1/collect", nil, http.StatusConflict)
	expectStatus("POST", "/api/threads/a1/run", map[string]any{"input": "hi"}, http.StatusOK)
	expectStatus("POST", "/api/threads/a1/collect", nil, http.StatusOK)
	expectStatus("POST", "/api/threads/a1/collect", nil, http.StatusConflict)
	expectStatus("POST", "/api/threads/a1/run", map[string]any{"input": "again"}, http.StatusConflict)
	expectStatus("POST", "/api/threads/a1/stop", map[string]any{"reason": "late"}, http.StatusConflict)
	expectStatus("POST", "/api/threads/a1/unknown", nil, http.StatusNotFound)
	expectStatus("PUT", "/api/threads/a1", nil, http.StatusMethodNotAllowed)
	expectStatus("DELETE", "/api/threads/a1", nil, http.StatusNoContent)
	expectStatus("DELETE", "/api/threads/a1", nil, http.StatusNotFound)
	expectStatus("GET", "/api/wakeups?status=snoozing", nil, http.StatusBadRequest)
	expectStatus("GET", "/api/wakeups/missing", nil, http.StatusNotFound)
}

type gateModel struct {
	started chan struct{}
	release chan struct{}
}

func (m *gateModel) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	m.started <- struct{}{}
	select {
	case <-m.release:
		return ai.Response{Text: "done"}, nil
	case <-ctx.Done():
		return ai.Response{}, ctx.Err()
	}
}

func TestConcurrentRunReturnsConflict(t *testing.T) {
	gate := &gateModel{started: make(chan struct{}, 1), release: make(chan struct{})}
	server := newTestServer(t, map[string]ai.Model{"gate": gate})
	client := testutil.NewInProcessClient(server.Handler())

	done := make(chan int, 1)
	go func() {
		resp := doJSON(t, client, "POST", "/api/threads/busy/run", map[string]any{"input": "slow", "model": "gate"})
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for model call")
	}

	resp := doJSON(t, client, "POST", "/api/threads/busy/run", map[string]any{"input": "fast"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp.Body.Close()

	resp = doJSON(t, client, "GET", "/api/diagnostics", nil)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	active, _ := diag.Engine["active_threads"].([]any)
	if len(active) != 1 || active[0] != "busy" {
		t.Fatalf("expected busy to be active, got %v", diag.Engine["active_threads"])
	}

	close(gate.release)
	select {
	case status := <-done:
		if status != http.StatusOK {
			t.Fatalf("first run status: %d", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for first run")
	}
}

func TestSuspendStopContinueAndWakeups(t *testing.T) {
	scripted := ai.NewScripted(
		ai.CallTool("call-1", "wait", `{"seconds":60,"reason":"nap"}`),
		ai.Reply("rested"),
	)
	server := newTestServer(t, map[string]ai.Model{"scripted": scripted})
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/threads/sleeper/run", map[string]any{"input": "rest", "model": "scripted"})
	var res runResponse
	decodeJSONResponse(t, resp, &res)
	if res.Outcome != engine.OutcomeSuspended || res.Wakeup == nil {
		t.Fatalf("expected suspension, got %+v", res.RunResult)
	}

	resp = doJSON(t, client, "GET", "/api/wakeups?thread_id=sleeper&status=pending", nil)
	var pending []threads.Wakeup
	decodeJSONResponse(t, resp, &pending)
	if len(pending) != 1 || pending[0].ID != res.Wakeup.ID {
		t.Fatalf("unexpected pending wakeups: %+v", pending)
	}

	resp = doJSON(t, client, "POST", "/api/wakeups/"+res.Wakeup.ID+"/rearm", map[string]any{"after": "soon"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "POST", "/api/threads/sleeper/stop", map[string]any{"reason": "operator"})
	var stopped threads.Thread
	decodeJSONResponse(t, resp, &stopped)
	if stopped.State != threads.StateStopped {
		t.Fatalf("expected STOPPED, got %s", stopped.State)
	}

	resp = doJSON(t, client, "GET", "/api/wakeups/"+res.Wakeup.ID, nil)
	var cancelled threads.Wakeup
	decodeJSONResponse(t, resp, &cancelled)
	if cancelled.Status() != threads.WakeupCancelled {
		t.Fatalf("expected cancelled wakeup, got %s", cancelled.Status())
	}

	resp = doJSON(t, client, "POST", "/api/threads/sleeper/run", map[string]any{"input": "wake"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stopped thread, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "POST", "/api/threads/sleeper/continue", nil)
	var continued runResponse
	decodeJSONResponse(t, resp, &continued)
	if continued.Outcome != engine.OutcomeCompleted || continued.Thread.State != threads.StateZombie {
		t.Fatalf("unexpected continue result: %+v", continued.RunResult)
	}

	resp = doJSON(t, client, "POST", "/api/wakeups/"+res.Wakeup.ID+"/rearm", map[string]any{"after": "1m"})
	var rearmed threads.Wakeup
	decodeJSONResponse(t, resp, &rearmed)
	if rearmed.Status() != threads.WakeupPending {
		t.Fatalf("expected pending after rearm, got %s", rearmed.Status())
	}
}

func TestTaskRunAndCollect(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/tasks", map[string]any{"id": "report", "agent_id": "writer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("accept status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp.Body.Close()

	resp = doJSON(t, client, "POST", "/api/tasks/report/collect", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 collecting a running task, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "POST", "/api/tasks/report/run", map[string]any{"input": "draft", "thread_id": "report-1"})
	var res runResponse
	decodeJSONResponse(t, resp, &res)
	if res.Thread.ParentTaskID != "report" || res.Thread.AgentID != "writer" {
		t.Fatalf("thread not bound to task: %+v", res.Thread)
	}

	resp = doJSON(t, client, "GET", "/api/tasks/report", nil)
	var task tasks.Task
	decodeJSONResponse(t, resp, &task)
	if task.State != threads.StateZombie || task.CurrentThreadID != "report-1" || task.Result["output"] != "draft" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// A second run goes to the current thread.
	resp = doJSON(t, client, "POST", "/api/tasks/report/run", map[string]any{"input": "revise"})
	decodeJSONResponse(t, resp, &res)
	if res.Thread.ID != "report-1" || res.Thread.Tick != 2 {
		t.Fatalf("expected reuse of report-1, got %+v", res.Thread)
	}

	resp = doJSON(t, client, "POST", "/api/tasks/report/collect", nil)
	var collected tasks.Task
	decodeJSONResponse(t, resp, &collected)
	if collected.State != threads.StateDead {
		t.Fatalf("expected DEAD task, got %s", collected.State)
	}
	thread, err := server.Engine.GetThread(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.State != threads.StateDead {
		t.Fatalf("expected collected thread, got %s", thread.State)
	}

	resp = doJSON(t, client, "GET", "/api/tasks/report", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after collect, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

type fakeStats struct{}

func (fakeStats) Stats() scheduler.Stats {
	return scheduler.Stats{InstanceID: "sched-test", Running: true, Processed: 3}
}

func TestSchedulerAndDiagnostics(t *testing.T) {
	server := newTestServer(t, nil)
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "GET", "/api/scheduler", nil)
	var disabled map[string]any
	decodeJSONResponse(t, resp, &disabled)
	if disabled["enabled"] != false {
		t.Fatalf("expected disabled scheduler, got %v", disabled)
	}

	server.Scheduler = fakeStats{}
	server.Info = DiagnosticsInfo{Backend: "sqlite", DefaultModel: "echo"}
	client = testutil.NewInProcessClient(server.Handler())

	resp = doJSON(t, client, "GET", "/api/scheduler", nil)
	var enabled struct {
		Enabled bool            `json:"enabled"`
		Stats   scheduler.Stats `json:"stats"`
	}
	decodeJSONResponse(t, resp, &enabled)
	if !enabled.Enabled || enabled.Stats.InstanceID != "sched-test" || enabled.Stats.Processed != 3 {
		t.Fatalf("unexpected scheduler payload: %+v", enabled)
	}

	resp = doJSON(t, client, "GET", "/api/diagnostics", nil)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	if diag.Scheduler == nil || diag.Info.Backend != "sqlite" || diag.GoVersion == "" {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}

	resp = doJSON(t, client, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without restart hook, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRestartRequiresToken(t *testing.T) {
	server := newTestServer(t, nil)
	restarted := 0
	server.Restart = func() error { restarted++; return nil }
	server.RestartToken = "secret"
	client := testutil.NewInProcessClient(server.Handler())

	resp := doJSON(t, client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest("POST", "http://in-process/api/admin/restart", nil)
	req.Header.Set("X-Restart-Token", "secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || restarted != 1 {
		t.Fatalf("expected restart, got status %d count %d", resp.StatusCode, restarted)
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("decode response (status %d): %v body=%s", resp.StatusCode, err, strings.TrimSpace(string(data)))
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
