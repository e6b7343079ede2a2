package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/flitsinc/go-threads/internal/retry"
	"github.com/flitsinc/go-threads/internal/telemetry"
	"github.com/flitsinc/go-threads/internal/threads"
)

const (
	DefaultPollInterval  = 30 * time.Second
	DefaultBatchSize     = 10
	DefaultMaxAttempts   = 1
	DefaultRetryBackoff  = 30 * time.Second
	DefaultResumeTimeout = 10 * time.Minute
)

// Store is the part of threads.Store the scheduler uses.
type Store interface {
	threads.WakeupStore
	GetThread(ctx context.Context, id string) (threads.Thread, error)
}

// Resumer continues a thread suspended on a wakeup. *engine.Engine
// implements it.
type Resumer interface {
	Resume(ctx context.Context, threadID string, wakeup threads.Wakeup) (engine.RunResult, error)
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts bounds resumptions per wakeup. With 1 a failed resumption is
	// recorded on the wakeup and never retried.
	MaxAttempts  int
	RetryBackoff time.Duration
	// ClaimTTL, when positive, lets another scheduler reclaim a wakeup whose
	// claimer never recorded an outcome.
	ClaimTTL      time.Duration
	ResumeTimeout time.Duration
	InstanceID    string
	Logger        *slog.Logger
	Now           func() time.Time
}

type Stats struct {
	InstanceID string     `json:"instance_id"`
	Running    bool       `json:"running"`
	Processed  int64      `json:"processed"`
	Failed     int64      `json:"failed"`
	Retried    int64      `json:"retried"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
}

// Scheduler claims due wakeups and resumes their threads. Any number of
// schedulers may poll the same store; the claim decides who resumes what.
type Scheduler struct {
	store   Store
	resumer Resumer
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer

	polling   atomic.Bool
	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	mu       sync.Mutex
	lastPoll time.Time
}

func New(store Store, resumer Resumer, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = DefaultResumeTimeout
	}
	if opts.InstanceID == "" {
		opts.InstanceID = idgen.InstanceID()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		resumer: resumer,
		opts:    opts,
		logger:  logger.With(slog.String("component", "scheduler"), slog.String("instance_id", opts.InstanceID)),
		tracer:  telemetry.Tracer("scheduler"),
	}
}

func (s *Scheduler) InstanceID() string {
	return s.opts.InstanceID
}

// Run polls once immediately and then every PollInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.opts.PollInterval))
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("poll wakeups", slog.String("error", err.Error()))
	}
}

// Poll claims up to BatchSize due wakeups and resumes them concurrently. It
// returns how many wakeups this instance claimed. A poll that starts while
// another is still running on the same instance does nothing.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	if !s.polling.CompareAndSwap(false, true) {
		telemetry.SchedulerPollsSkipped.Inc()
		return 0, nil
	}
	defer s.polling.Store(false)

	ctx, span := s.tracer.Start(ctx, "scheduler.poll")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.SchedulerPollDurationSeconds.Observe(time.Since(start).Seconds()) }()

	now := s.opts.Now()
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()

	claimed, claimErr := s.store.ClaimDueWakeups(ctx, now, s.opts.BatchSize, threads.ClaimOptions{
		Claimer:  s.opts.InstanceID,
		LeaseTTL: s.opts.ClaimTTL,
	})
	if claimErr != nil {
		claimErr = fmt.Errorf("claim due wakeups: %w", claimErr)
		span.RecordError(claimErr)
		span.SetStatus(codes.Error, claimErr.Error())
	}
	span.SetAttributes(attribute.Int("wakeups.claimed", len(claimed)))
	if len(claimed) == 0 {
		return 0, claimErr
	}
	telemetry.SchedulerWakeupsTotal.WithLabelValues("claimed").Add(float64(len(claimed)))

	var g errgroup.Group
	g.SetLimit(s.opts.BatchSize)
	for _, w := range claimed {
		g.Go(func() error {
			s.process(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), claimErr
}

// process resumes one claimed wakeup and records its outcome. Neither the
// resumption nor its outcome is cut short when ctx ends, so a claimed wakeup
// never stays unresolved.
func (s *Scheduler) process(ctx context.Context, w threads.Wakeup) {
	ctx, span := s.tracer.Start(ctx, "scheduler.resume", trace.WithAttributes(
		attribute.String("wakeup.id", w.ID),
		attribute.String("thread.id", w.ThreadID),
		attribute.Int("wakeup.attempts", w.Attempts),
	))
	defer span.End()

	telemetry.SchedulerResumesInFlight.Inc()
	// Resumptions outlive the poll context so shutdown drains them instead of
	// aborting threads mid-tick.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ResumeTimeout)
	res, err := s.resumer.Resume(rctx, w.ThreadID, w)
	cancel()
	telemetry.SchedulerResumesInFlight.Dec()

	octx := context.WithoutCancel(ctx)
	log := s.logger.With(slog.String("wakeup_id", w.ID), slog.String("thread_id", w.ThreadID))

	if err == nil {
		if _, uerr := s.store.UpdateWakeup(octx, w.ID, threads.WakeupPatch{Woken: threads.BoolPtr(true)}); uerr != nil {
			log.Error("mark wakeup woken", slog.String("error", uerr.Error()))
		}
		s.processed.Add(1)
		telemetry.SchedulerWakeupsTotal.WithLabelValues("woken").Inc()
		log.Info("wakeup resumed", slog.String("outcome", res.Outcome), slog.Int64("tick", res.Thread.Tick))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// The run that created this wakeup may still hold the thread.
	if threads.IsBusy(err) {
		due := s.opts.Now().Add(s.opts.PollInterval)
		if _, rerr := s.store.DeferWakeup(octx, w.ID, due); rerr != nil {
			log.Error("defer busy wakeup", slog.String("error", rerr.Error()))
		}
		telemetry.SchedulerWakeupsTotal.WithLabelValues("deferred").Inc()
		log.Info("thread busy, wakeup deferred", slog.Time("due_at", due))
		return
	}

	if w.Attempts < s.opts.MaxAttempts && s.stillWaiting(octx, w.ThreadID) {
		due := s.opts.Now().Add(retry.Delay(s.opts.RetryBackoff, w.Attempts))
		_, rerr := s.store.RearmWakeup(octx, w.ID, due)
		if rerr == nil {
			s.retried.Add(1)
			telemetry.SchedulerWakeupsTotal.WithLabelValues("retried").Inc()
			log.Warn("wakeup resumption failed, retrying",
				slog.Int("attempt", w.Attempts),
				slog.Time("due_at", due),
				slog.String("error", err.Error()),
			)
			return
		}
		log.Error("rearm wakeup", slog.String("error", rerr.Error()))
	}

	msg := err.Error()
	if _, uerr := s.store.UpdateWakeup(octx, w.ID, threads.WakeupPatch{Woken: threads.BoolPtr(false), Error: &msg}); uerr != nil {
		log.Error("record wakeup failure", slog.String("error", uerr.Error()))
	}
	s.failed.Add(1)
	telemetry.SchedulerWakeupsTotal.WithLabelValues("failed").Inc()
	log.Error("wakeup resumption failed", slog.Int("attempt", w.Attempts), slog.String("error", msg))
}

// stillWaiting reports whether a retry could succeed: the thread must still be
// suspended.
func (s *Scheduler) stillWaiting(ctx context.Context, threadID string) bool {
	thread, err := s.store.GetThread(ctx, threadID)
	return err == nil && thread.State == threads.StateInterruptible
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		InstanceID: s.opts.InstanceID,
		Running:    s.running.Load(),
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
	}
	s.mu.Lock()
	if !s.lastPoll.IsZero() {
		t := s.lastPoll
		st.LastPollAt = &t
	}
	s.mu.Unlock()
	return st
}
