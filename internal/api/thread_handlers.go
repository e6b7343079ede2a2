package api

import (
	"log/slog"
	"net/http"

	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/threads"
)

type runRequest struct {
	Input        string         `json:"input"`
	AgentID      string         `json:"agent_id,omitempty"`
	Model        string         `json:"model,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
}

func (req runRequest) runInput(threadID string) engine.RunInput {
	return engine.RunInput{
		ThreadID:     threadID,
		Input:        req.Input,
		Create:       true,
		AgentID:      req.AgentID,
		Model:        req.Model,
		Context:      req.Context,
		ParentTaskID: req.ParentTaskID,
	}
}

// runResponse carries the result of a run that got past admission. Error is
// set when the run ended failed, aborted or stopped.
type runResponse struct {
	engine.RunResult
	Error string `json:"error,omitempty"`
}

type threadResponse struct {
	Thread  threads.Thread   `json:"thread"`
	History *threads.History `json:"history"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := threads.ListFilter{
			AgentID: q.Get("agent_id"),
			Limit:   parseInt(q.Get("limit"), 50),
		}
		if raw := q.Get("state"); raw != "" {
			st, ok := threads.ParseState(raw)
			if !ok {
				writeDomainError(w, &threads.ValidationError{Field: "state", Reason: "unknown state " + raw})
				return
			}
			filter.State = st
		}
		items, err := s.Engine.ListThreads(r.Context(), filter)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if items == nil {
			items = []threads.Thread{}
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var spec threads.ThreadSpec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		thread, err := s.Engine.CreateThread(r.Context(), spec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleThreadItem(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path, "/api/threads/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errNotFound("thread"))
		return
	}
	threadID := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleThreadGet(w, r, threadID)
		case http.MethodDelete:
			if err := s.Engine.DeleteThread(r.Context(), threadID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "events":
		s.handleThreadEvents(w, r, threadID)
	case "run":
		s.handleThreadRun(w, r, threadID)
	case "stream":
		s.handleThreadStream(w, r, threadID)
	case "ws":
		s.handleThreadWS(w, r, threadID)
	case "stop":
		s.handleThreadStop(w, r, threadID)
	case "continue":
		s.handleThreadContinue(w, r, threadID)
	case "collect":
		s.handleThreadCollect(w, r, threadID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("thread action"))
	}
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request, threadID string) {
	thread, err := s.Engine.GetThread(r.Context(), threadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	hist, err := s.Engine.History(r.Context(), threadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{Thread: thread, History: hist})
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Engine.GetThread(r.Context(), threadID); err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	events, err := s.Engine.Store().ListEventsFrom(r.Context(), threadID, parseInt64(q.Get("after"), 0), parseInt(q.Get("limit"), 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []threads.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleThreadRun(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req runRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Engine.Run(r.Context(), req.runInput(threadID))
	s.writeRunResult(w, threadID, res, err)
}

// writeRunResult reports admission failures as errors and everything else as
// a result, since a failed run still changed the thread.
func (s *Server) writeRunResult(w http.ResponseWriter, threadID string, res engine.RunResult, err error) {
	if err != nil && res.Outcome == "" {
		writeDomainError(w, err)
		return
	}
	resp := runResponse{RunResult: res}
	if err != nil {
		resp.Error = err.Error()
		s.logger().Warn("run ended with error", slog.String("thread_id", threadID), slog.String("outcome", res.Outcome), slog.Any("error", err))
	}
	if resp.Events == nil {
		resp.Events = []threads.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleThreadStop(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	thread, err := s.Engine.Stop(r.Context(), threadID, payload.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadContinue(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	res, err := s.Engine.Continue(r.Context(), threadID)
	s.writeRunResult(w, threadID, res, err)
}

func (s *Server) handleThreadCollect(w http.ResponseWriter, r *http.Request, threadID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	collected, err := s.Engine.Collect(r.Context(), threadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collected)
}
