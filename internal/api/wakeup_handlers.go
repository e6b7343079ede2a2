package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/threads"
)

func (s *Server) handleWakeups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	items, err := s.Engine.Store().ListWakeups(r.Context(), threads.WakeupFilter{
		ThreadID: q.Get("thread_id"),
		Status:   threads.WakeupStatus(q.Get("status")),
		Limit:    parseInt(q.Get("limit"), 100),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []threads.Wakeup{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleWakeupItem(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path, "/api/wakeups/")
	if len(segments) == 0 {
		writeError(w, http.StatusNotFound, errNotFound("wakeup"))
		return
	}
	wakeupID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		wakeup, err := s.Engine.Store().GetWakeup(r.Context(), wakeupID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wakeup)
		return
	}
	if segments[1] != "rearm" {
		writeError(w, http.StatusNotFound, errNotFound("wakeup action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		After string     `json:"after,omitempty"`
		At    *time.Time `json:"at,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now := s.now()
	dueAt := now
	switch {
	case payload.At != nil:
		dueAt = payload.At.UTC()
	case payload.After != "":
		after, err := time.ParseDuration(payload.After)
		if err != nil || after < 0 {
			writeDomainError(w, &threads.ValidationError{Field: "after", Reason: fmt.Sprintf("invalid duration %q", payload.After)})
			return
		}
		dueAt = now.Add(after)
	}
	wakeup, err := scheduler.Rearm(r.Context(), s.Engine.Store(), wakeupID, dueAt, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wakeup)
}
