package api

import (
	"net/http"

	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/tasks"
	"github.com/flitsinc/go-threads/internal/threads"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeError(w, http.StatusNotFound, errNotFound("task table"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := tasks.ListFilter{
			AgentID: q.Get("agent_id"),
			Limit:   parseInt(q.Get("limit"), 100),
		}
		if raw := q.Get("state"); raw != "" {
			st, ok := threads.ParseState(raw)
			if !ok {
				writeDomainError(w, &threads.ValidationError{Field: "state", Reason: "unknown state " + raw})
				return
			}
			filter.State = st
		}
		writeJSON(w, http.StatusOK, s.Tasks.List(filter))
	case http.MethodPost:
		var spec tasks.Spec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Tasks.Accept(spec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeError(w, http.StatusNotFound, errNotFound("task table"))
		return
	}
	segments := splitPath(r.URL.Path, "/api/tasks/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, err := s.Tasks.Get(taskID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch segments[1] {
	case "run":
		s.handleTaskRun(w, r, taskID)
	case "collect":
		s.handleTaskCollect(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

// handleTaskRun sends input to the task's current thread, starting one when
// the task has none or thread_id names a new one.
func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		runRequest
		ThreadID string `json:"thread_id,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	threadID := payload.ThreadID
	if threadID == "" {
		threadID = task.CurrentThreadID
	}
	in := payload.runRequest.runInput(threadID)
	in.ParentTaskID = taskID
	if in.AgentID == "" {
		in.AgentID = task.AgentID
	}
	if in.Context == nil {
		in.Context = task.Context
	}
	res, err := s.Engine.Run(r.Context(), in)
	if err == nil && res.Thread.ID != task.CurrentThreadID {
		// An existing thread created elsewhere does not attach itself.
		if _, attachErr := s.Tasks.Attach(taskID, res.Thread); attachErr != nil {
			writeDomainError(w, attachErr)
			return
		}
	}
	if err == nil && res.Outcome == engine.OutcomeCompleted {
		if _, err := s.Tasks.Complete(taskID, map[string]any{"output": res.Output, "thread_id": res.Thread.ID}); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	s.writeRunResult(w, in.ThreadID, res, err)
}

func (s *Server) handleTaskCollect(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	task, err := s.Tasks.Get(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Reap the current thread first so the task mirrors DEAD.
	if task.CurrentThreadID != "" && task.State == threads.StateZombie {
		if _, err := s.Engine.Collect(r.Context(), task.CurrentThreadID); err != nil && !threads.IsNotFound(err) {
			writeDomainError(w, err)
			return
		}
	}
	collected, err := s.Tasks.Collect(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collected)
}
