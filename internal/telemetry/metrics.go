package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Engine ──────────────────────────────────────────────────────────────────

	EngineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "runs_total",
		Help:      "Runs finished, labelled by outcome (completed, suspended, failed, aborted, stopped).",
	}, []string{"outcome"})

	EngineTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Model iterations executed across all threads.",
	})

	EngineRunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "run_duration_seconds",
		Help:      "Wall time of one run from guard acquisition to release.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	})

	EngineModelCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "model_call_seconds",
		Help:      "Model call latency including retries.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"model"})

	EngineToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "tool_calls_total",
		Help:      "Tool executions, labelled by tool and status (ok, error).",
	}, []string{"tool", "status"})

	EngineResumeCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "engine",
		Name:      "resume_cache_total",
		Help:      "History loads, labelled by result (hit, miss).",
	}, []string{"result"})

	GuardRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "guard",
		Name:      "rejections_total",
		Help:      "Executions refused because the thread was already running.",
	})

	GuardActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "threads",
		Subsystem: "guard",
		Name:      "active",
		Help:      "Threads currently executing in this process.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerWakeupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "scheduler",
		Name:      "wakeups_total",
		Help:      "Wakeups handled, labelled by outcome (claimed, woken, failed, retried).",
	}, []string{"outcome"})

	SchedulerResumesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "threads",
		Subsystem: "scheduler",
		Name:      "resumes_inflight",
		Help:      "Resumptions currently executing.",
	})

	SchedulerPollDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "threads",
		Subsystem: "scheduler",
		Name:      "poll_duration_seconds",
		Help:      "Time from claim to the last resumption of a poll batch.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120, 600},
	})

	SchedulerPollsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "scheduler",
		Name:      "polls_skipped_total",
		Help:      "Polls skipped because the previous poll was still running.",
	})

	// ─── HTTP ────────────────────────────────────────────────────────────────────

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threads",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, labelled by method and status code.",
	}, []string{"method", "status"})

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "threads",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency. Streaming requests are measured until the stream ends.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)
