package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/version"
)

type DiagnosticsInfo struct {
	HTTPAddr     string `json:"http_addr"`
	Backend      string `json:"backend"`
	DataDir      string `json:"data_dir,omitempty"`
	DBPath       string `json:"db_path,omitempty"`
	DefaultModel string `json:"default_model"`
	MetricsAddr  string `json:"metrics_addr,omitempty"`
}

type DiagnosticsResponse struct {
	Time          time.Time        `json:"time"`
	StartedAt     time.Time        `json:"started_at"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	GoVersion     string           `json:"go_version"`
	Version       string           `json:"version"`
	Info          DiagnosticsInfo  `json:"info"`
	Engine        map[string]any   `json:"engine"`
	Tasks         map[string]any   `json:"tasks"`
	Watchers      map[string]any   `json:"watchers,omitempty"`
	Scheduler     *scheduler.Stats `json:"scheduler,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Version:       version.Version,
		Info:          s.Info,
		Engine:        map[string]any{},
		Tasks:         map[string]any{},
	}
	if s.Engine != nil {
		active := s.Engine.ActiveThreads()
		if active == nil {
			active = []string{}
		}
		resp.Engine["active_threads"] = active
		resp.Engine["resume_cache"] = s.Engine.CacheLen()
	}
	resp.Engine["goroutines"] = runtime.NumGoroutine()
	if s.Tasks != nil {
		resp.Tasks["count"] = s.Tasks.Len()
	}
	if s.Bus != nil {
		resp.Watchers = map[string]any{
			"subscribers": s.Bus.SubscriberCount(),
			"dropped":     s.Bus.Dropped(),
		}
	}
	if s.Scheduler != nil {
		stats := s.Scheduler.Stats()
		resp.Scheduler = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
