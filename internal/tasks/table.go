// Package tasks keeps the process-scoped table of tasks. A task is a unit of
// work owned by one agent and carried out by one or more threads; its state
// mirrors the state of its current thread.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/flitsinc/go-threads/internal/threads"
)

type Task struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Context         map[string]any `json:"context,omitempty"`
	State           threads.State  `json:"state"`
	ThreadIDs       []string       `json:"thread_ids,omitempty"`
	CurrentThreadID string         `json:"current_thread_id,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type Spec struct {
	ID      string         `json:"id,omitempty"`
	AgentID string         `json:"agent_id"`
	Context map[string]any `json:"context,omitempty"`
}

type ListFilter struct {
	AgentID string
	State   threads.State
	Limit   int
}

var ErrInvalidStateTransition = errors.New("invalid task state transition")

type StateTransitionError struct {
	TaskID string
	From   threads.State
	To     threads.State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

// Unwrap matches both the task sentinel and threads.ErrInvalidTransition.
func (e *StateTransitionError) Unwrap() []error {
	return []error{ErrInvalidStateTransition, threads.ErrInvalidTransition}
}

type Option func(*Table)

func WithClock(nowFn func() time.Time) Option {
	return func(t *Table) {
		if nowFn != nil {
			t.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(t *Table) {
		if newIDFn != nil {
			t.newIDFn = newIDFn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Table is safe for concurrent use. It implements engine.Observer so that
// registering it with an engine keeps task states in step with threads.
type Table struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	byThread map[string]string

	nowFn   func() time.Time
	newIDFn func() string
	logger  *slog.Logger
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		tasks:    map[string]*Task{},
		byThread: map[string]string{},
		nowFn:    func() time.Time { return time.Now().UTC() },
		newIDFn:  idgen.New,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With(slog.String("component", "tasks"))
	return t
}

func (t *Table) now() time.Time {
	return t.nowFn().UTC()
}

// Accept records a new RUNNING task with no threads yet.
func (t *Table) Accept(spec Spec) (Task, error) {
	if strings.TrimSpace(spec.AgentID) == "" {
		return Task{}, &threads.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	id := spec.ID
	if id == "" {
		id = t.newIDFn()
	} else if err := idgen.ValidateCustomID(id); err != nil {
		return Task{}, &threads.ValidationError{Field: "id", Reason: err.Error()}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[id]; ok {
		return Task{}, fmt.Errorf("accept task %s: %w", id, threads.ErrAlreadyExists)
	}
	now := t.now()
	task := &Task{
		ID:        id,
		AgentID:   spec.AgentID,
		Context:   spec.Context,
		State:     threads.StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.tasks[id] = task
	t.logger.Info("task accepted", slog.String("task_id", id), slog.String("agent_id", spec.AgentID))
	return clone(task), nil
}

// Attach makes thread the task's current thread and adopts its state.
func (t *Table) Attach(taskID string, thread threads.Thread) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, &threads.NotFoundError{Kind: "task", ID: taskID}
	}
	if task.State == threads.StateDead {
		return Task{}, fmt.Errorf("attach thread %s to task %s: %w", thread.ID, taskID, threads.ErrThreadDead)
	}
	t.attachLocked(task, thread)
	return clone(task), nil
}

func (t *Table) attachLocked(task *Task, thread threads.Thread) {
	if t.byThread[thread.ID] != task.ID {
		task.ThreadIDs = append(task.ThreadIDs, thread.ID)
		t.byThread[thread.ID] = task.ID
	}
	task.CurrentThreadID = thread.ID
	task.State = thread.State
	task.Error = thread.Error
	task.UpdatedAt = t.now()
}

// ThreadChanged mirrors a thread state change onto the task that owns the
// thread. Threads created with a ParentTaskID attach themselves on first
// notification. Changes of threads that are no longer current are ignored.
func (t *Table) ThreadChanged(thread threads.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()

	taskID, ok := t.byThread[thread.ID]
	if !ok {
		if thread.ParentTaskID == "" {
			return
		}
		task, found := t.tasks[thread.ParentTaskID]
		if !found || task.State == threads.StateDead {
			return
		}
		t.attachLocked(task, thread)
		return
	}
	task, ok := t.tasks[taskID]
	if !ok || task.CurrentThreadID != thread.ID {
		return
	}
	if task.State != thread.State {
		t.logger.Debug("task state mirrored",
			slog.String("task_id", task.ID),
			slog.String("thread_id", thread.ID),
			slog.String("from", string(task.State)),
			slog.String("to", string(thread.State)))
	}
	task.State = thread.State
	task.Error = thread.Error
	task.UpdatedAt = t.now()
}

// Complete stores the task's result. The state is left to the thread.
func (t *Table) Complete(taskID string, result map[string]any) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, &threads.NotFoundError{Kind: "task", ID: taskID}
	}
	task.Result = result
	task.UpdatedAt = t.now()
	return clone(task), nil
}

func (t *Table) Get(taskID string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, &threads.NotFoundError{Kind: "task", ID: taskID}
	}
	return clone(task), nil
}

// ForThread returns the task owning threadID.
func (t *Table) ForThread(threadID string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[t.byThread[threadID]]
	if !ok {
		return Task{}, false
	}
	return clone(task), true
}

// List returns tasks newest first.
func (t *Table) List(filter ListFilter) []Task {
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if filter.AgentID != "" && task.AgentID != filter.AgentID {
			continue
		}
		if filter.State != "" && task.State != filter.State {
			continue
		}
		out = append(out, clone(task))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Collect reaps a finished task: ZOMBIE becomes DEAD and the task leaves the
// table. A task whose thread was already collected is reaped as is.
func (t *Table) Collect(taskID string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, &threads.NotFoundError{Kind: "task", ID: taskID}
	}
	if task.State != threads.StateZombie && task.State != threads.StateDead {
		return Task{}, &StateTransitionError{TaskID: taskID, From: task.State, To: threads.StateDead}
	}
	task.State = threads.StateDead
	task.UpdatedAt = t.now()
	delete(t.tasks, taskID)
	for _, threadID := range task.ThreadIDs {
		delete(t.byThread, threadID)
	}
	t.logger.Info("task collected", slog.String("task_id", taskID), slog.Int("threads", len(task.ThreadIDs)))
	return clone(task), nil
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func clone(task *Task) Task {
	out := *task
	out.ThreadIDs = append([]string(nil), task.ThreadIDs...)
	return out
}
