package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/api"
	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/eventbus"
	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/tasks"
	"github.com/flitsinc/go-threads/internal/testutil"
	"github.com/flitsinc/go-threads/internal/threads"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type runResponse struct {
	engine.RunResult
	Error string `json:"error"`
}

// TestWakeupFlowEndToEnd drives a task through suspension, a scheduler
// resumption and collection, using only the HTTP surface and Poll.
func TestWakeupFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.OpenTestStore(t)

	models := ai.NewRegistry("scripted")
	models.Register("scripted", ai.NewScripted(
		ai.CallTool("call-1", "wait", `{"seconds":60,"reason":"check back later"}`),
		ai.Reply("report ready"),
	))
	table := tasks.NewTable(tasks.WithLogger(logger))
	bus := eventbus.NewBus()
	eng, err := engine.New(store, models, agenttools.Builtins(time.Hour), engine.Options{
		Logger:    logger,
		Observers: []engine.Observer{table, bus},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	clk := &clock{now: time.Now().UTC()}
	sched := scheduler.New(store, eng, scheduler.Options{InstanceID: "e2e", Logger: logger, Now: clk.Now})
	server := &api.Server{Engine: eng, Tasks: table, Bus: bus, Scheduler: sched, Logger: logger, Now: clk.Now}
	client := testutil.NewInProcessClient(server.Handler())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	changes := bus.Subscribe(watchCtx, []string{"report-thread"})

	resp := doJSON(t, client, "POST", "/api/tasks", map[string]any{"id": "report", "agent_id": "analyst"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("accept status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	var run runResponse
	decodeJSON(t, doJSON(t, client, "POST", "/api/tasks/report/run", map[string]any{
		"input":     "prepare the weekly report",
		"thread_id": "report-thread",
	}), &run)
	if run.Outcome != engine.OutcomeSuspended || run.Wakeup == nil {
		t.Fatalf("expected suspension, got %+v", run)
	}

	var task tasks.Task
	decodeJSON(t, doJSON(t, client, "GET", "/api/tasks/report", nil), &task)
	if task.State != threads.StateInterruptible {
		t.Fatalf("expected task to mirror the suspended thread, got %s", task.State)
	}

	var pending []threads.Wakeup
	decodeJSON(t, doJSON(t, client, "GET", "/api/wakeups?thread_id=report-thread&status=pending", nil), &pending)
	if len(pending) != 1 || pending[0].ID != run.Wakeup.ID || pending[0].Reason != "check back later" {
		t.Fatalf("unexpected pending wakeups: %+v", pending)
	}

	if n, err := sched.Poll(ctx); err != nil || n != 0 {
		t.Fatalf("early poll resumed %d (err=%v)", n, err)
	}
	clk.Advance(2 * time.Minute)
	if n, err := sched.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("due poll resumed %d (err=%v)", n, err)
	}

	var woken threads.Wakeup
	decodeJSON(t, doJSON(t, client, "GET", "/api/wakeups/"+run.Wakeup.ID, nil), &woken)
	if woken.Status() != threads.WakeupWoken || woken.ClaimedBy != "e2e" {
		t.Fatalf("unexpected wakeup after poll: %+v", woken)
	}

	var events []threads.Event
	decodeJSON(t, doJSON(t, client, "GET", "/api/threads/report-thread/events", nil), &events)
	var sawResume bool
	for _, ev := range events {
		if ev.Signal() == threads.SignalResumed {
			sawResume = true
		}
	}
	if !sawResume {
		t.Fatalf("expected a resumed signal in the event log")
	}

	decodeJSON(t, doJSON(t, client, "GET", "/api/tasks/report", nil), &task)
	if task.State != threads.StateZombie {
		t.Fatalf("expected task ZOMBIE after resumption, got %s", task.State)
	}

	var collected tasks.Task
	decodeJSON(t, doJSON(t, client, "POST", "/api/tasks/report/collect", nil), &collected)
	if collected.State != threads.StateDead {
		t.Fatalf("expected DEAD after collect, got %s", collected.State)
	}

	var stats struct {
		Enabled bool            `json:"enabled"`
		Stats   scheduler.Stats `json:"stats"`
	}
	decodeJSON(t, doJSON(t, client, "GET", "/api/scheduler", nil), &stats)
	if !stats.Enabled || stats.Stats.Processed != 1 {
		t.Fatalf("unexpected scheduler stats: %+v", stats)
	}

	stopWatch()
	var observed []threads.State
	for ev := range changes {
		observed = append(observed, ev.State)
	}
	want := []threads.State{threads.StateInterruptible, threads.StateZombie, threads.StateDead}
	for _, state := range want {
		if !containsState(observed, state) {
			t.Fatalf("watch missed %s: %v", state, observed)
		}
	}
}

func containsState(states []threads.State, want threads.State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, "http://in-process"+path, body)
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

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, data)
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
