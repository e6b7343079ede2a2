package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/guard"
	"github.com/flitsinc/go-threads/internal/telemetry"
	"github.com/flitsinc/go-threads/internal/threads"
)

const (
	DefaultMaxTicks        = 25
	DefaultModelTimeout    = 2 * time.Minute
	DefaultToolTimeout     = time.Minute
	DefaultResumeCacheSize = 256
	DefaultAgentID         = "default"
)

type Options struct {
	MaxTicks        int
	ModelTimeout    time.Duration
	ToolTimeout     time.Duration
	ModelRetries    int
	ModelRetryDelay time.Duration
	ResumeCacheSize int
	DefaultAgentID  string
	// DebugDir, when set, receives one JSON trace of model traffic per thread.
	DebugDir  string
	Logger    *slog.Logger
	Observers []Observer
}

// Observer is told about every persisted thread state change.
type Observer interface {
	ThreadChanged(thread threads.Thread)
}

type cachedHistory struct {
	createdAt time.Time
	history   *threads.History
}

// Engine executes threads. One Engine owns the guard and resume cache of a
// process.
type Engine struct {
	store  threads.Store
	models *ai.Registry
	tools  agenttools.Executor
	guard  *guard.Guard
	cache  *lru.Cache[string, cachedHistory]
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

func New(store threads.Store, models *ai.Registry, tools agenttools.Executor, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine store is required")
	}
	if models == nil {
		return nil, fmt.Errorf("engine model registry is required")
	}
	if tools == nil {
		tools = agenttools.NewRegistry()
	}
	if opts.MaxTicks <= 0 {
		opts.MaxTicks = DefaultMaxTicks
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.ModelRetries < 0 {
		opts.ModelRetries = 0
	}
	if opts.ModelRetryDelay <= 0 {
		opts.ModelRetryDelay = 500 * time.Millisecond
	}
	if opts.ResumeCacheSize <= 0 {
		opts.ResumeCacheSize = DefaultResumeCacheSize
	}
	if opts.DefaultAgentID == "" {
		opts.DefaultAgentID = DefaultAgentID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, cachedHistory](opts.ResumeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resume cache: %w", err)
	}
	return &Engine{
		store:  store,
		models: models,
		tools:  tools,
		guard:  guard.New(),
		cache:  cache,
		opts:   opts,
		logger: logger.With(slog.String("component", "engine")),
		tracer: telemetry.Tracer("engine"),
	}, nil
}

// AddObserver registers o for state change notifications. Call it before
// the engine starts serving runs.
func (e *Engine) AddObserver(o Observer) {
	e.opts.Observers = append(e.opts.Observers, o)
}

func (e *Engine) Store() threads.Store {
	return e.store
}

// Active reports whether threadID is executing in this process.
func (e *Engine) Active(threadID string) bool {
	return e.guard.Active(threadID)
}

func (e *Engine) ActiveThreads() []string {
	return e.guard.ActiveIDs()
}

func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

func (e *Engine) acquire(ctx context.Context, threadID string) (context.Context, *guard.Lease, error) {
	runCtx, lease, err := e.guard.AcquireContext(ctx, threadID)
	if err != nil {
		telemetry.GuardRejectionsTotal.Inc()
		return nil, nil, err
	}
	telemetry.GuardActive.Set(float64(e.guard.Len()))
	return runCtx, lease, nil
}

func (e *Engine) release(lease *guard.Lease) {
	lease.Release()
	telemetry.GuardActive.Set(float64(e.guard.Len()))
}

// load returns the thread and a private copy of its history, from the resume
// cache when the cached copy still belongs to the same thread incarnation and
// can be caught up from the log.
func (e *Engine) load(ctx context.Context, threadID string) (threads.Thread, *threads.History, error) {
	if cached, ok := e.cache.Get(threadID); ok {
		thread, err := e.store.GetThread(ctx, threadID)
		if err != nil {
			e.cache.Remove(threadID)
			return threads.Thread{}, nil, err
		}
		if thread.CreatedAt.Equal(cached.createdAt) {
			hist := cached.history.Clone()
			tail, err := e.store.ListEventsFrom(ctx, threadID, hist.LastSeq, 0)
			if err == nil {
				err = hist.FoldBatch(tail)
			}
			if err == nil {
				telemetry.EngineResumeCacheTotal.WithLabelValues("hit").Inc()
				return thread, hist, nil
			}
			e.logger.Warn("resume cache catch-up failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		}
		e.cache.Remove(threadID)
	}

	telemetry.EngineResumeCacheTotal.WithLabelValues("miss").Inc()
	thread, events, err := e.store.GetThreadWithHistory(ctx, threadID)
	if err != nil {
		return threads.Thread{}, nil, err
	}
	hist, err := threads.FoldAll(threadID, events)
	if err != nil {
		return threads.Thread{}, nil, fmt.Errorf("fold history: %w", err)
	}
	return thread, hist, nil
}

func (e *Engine) remember(thread threads.Thread, hist *threads.History) {
	e.cache.Add(thread.ID, cachedHistory{createdAt: thread.CreatedAt, history: hist})
}

func (e *Engine) notify(thread threads.Thread) {
	for _, o := range e.opts.Observers {
		o.ThreadChanged(thread)
	}
}

// transition moves thread to state `to` as a compare-and-swap on its current
// state, applying extra patch fields in the same write.
func (e *Engine) transition(ctx context.Context, thread *threads.Thread, to threads.State, patch threads.ThreadPatch) error {
	patch.FromState = threads.StatePtr(thread.State)
	patch.State = threads.StatePtr(to)
	updated, err := e.store.UpdateThread(ctx, thread.ID, patch)
	if err != nil {
		return err
	}
	*thread = updated
	e.notify(updated)
	return nil
}
