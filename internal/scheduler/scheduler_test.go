package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/engine"
	"github.com/flitsinc/go-threads/internal/scheduler"
	"github.com/flitsinc/go-threads/internal/state"
	"github.com/flitsinc/go-threads/internal/testutil"
	"github.com/flitsinc/go-threads/internal/threads"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeResumer struct {
	mu      sync.Mutex
	err     error
	calls   map[string]int
	started chan struct{}
	release chan struct{}
}

func newFakeResumer(err error) *fakeResumer {
	return &fakeResumer{err: err, calls: make(map[string]int)}
}

func (r *fakeResumer) Resume(ctx context.Context, threadID string, w threads.Wakeup) (engine.RunResult, error) {
	r.mu.Lock()
	r.calls[w.ID]++
	err := r.err
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
		<-r.release
	}
	// A run whose context ends before its next suspension point is aborted.
	if cerr := ctx.Err(); cerr != nil {
		return engine.RunResult{}, fmt.Errorf("run thread %s aborted: %w", threadID, cerr)
	}
	if err != nil {
		return engine.RunResult{}, err
	}
	return engine.RunResult{Thread: threads.Thread{ID: threadID}, Outcome: engine.OutcomeCompleted}, nil
}

func (r *fakeResumer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResumer) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// ── helpers ──────────────────────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func suspendedThread(t *testing.T, store *state.Store, id string) threads.Wakeup {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateThread(ctx, threads.ThreadSpec{ID: id, AgentID: "test"})
	require.NoError(t, err)
	_, err = store.UpdateThread(ctx, id, threads.ThreadPatch{State: threads.StatePtr(threads.StateInterruptible)})
	require.NoError(t, err)
	w, err := store.CreateWakeup(ctx, threads.WakeupSpec{ThreadID: id, Reason: "test"})
	require.NoError(t, err)
	return w
}

func newScheduler(store *state.Store, resumer scheduler.Resumer, clock *fakeClock, opts scheduler.Options) *scheduler.Scheduler {
	opts.Logger = quietLogger()
	if clock != nil {
		opts.Now = clock.Now
	}
	return scheduler.New(store, resumer, opts)
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPollResumesSuspendedThread(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	models := ai.NewRegistry("scripted")
	models.Register("scripted", ai.NewScripted(
		ai.CallTool("call-1", "wait", `{"seconds":1,"reason":"nap"}`),
		ai.Reply("awake"),
	))
	eng, err := engine.New(store, models, agenttools.Builtins(time.Hour), engine.Options{Logger: quietLogger()})
	require.NoError(t, err)

	res, err := eng.Run(ctx, engine.RunInput{ThreadID: "sleepy", Input: "rest", Create: true})
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, res.Outcome)
	require.NotNil(t, res.Wakeup)

	clock := &fakeClock{now: time.Now().UTC()}
	sched := newScheduler(store, eng, clock, scheduler.Options{InstanceID: "sched-a"})

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "wakeup must not fire before it is due")

	clock.Advance(2 * time.Second)
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err := store.GetWakeup(ctx, res.Wakeup.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupWoken, w.Status())
	assert.Equal(t, "sched-a", w.ClaimedBy)
	assert.Equal(t, 1, w.Attempts)

	thread, err := store.GetThread(ctx, "sleepy")
	require.NoError(t, err)
	assert.Equal(t, threads.StateZombie, thread.State)

	stats := sched.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, "sched-a", stats.InstanceID)
	require.NotNil(t, stats.LastPollAt)
}

func TestFailedResumeIsRecordedAndNotReclaimed(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "broken")
	resumer := newFakeResumer(errors.New("model offline"))
	sched := newScheduler(store, resumer, nil, scheduler.Options{})

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.Woken)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "model offline")
	assert.Equal(t, threads.WakeupFailed, got.Status())

	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, resumer.count(w.ID))
	assert.Equal(t, int64(1), sched.Stats().Failed)
}

func TestRetryRearmsWithQuadraticBackoff(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "retrying")
	resumer := newFakeResumer(errors.New("transient"))
	clock := &fakeClock{now: time.Now().UTC().Add(time.Second)}
	sched := newScheduler(store, resumer, clock, scheduler.Options{MaxAttempts: 3, RetryBackoff: time.Minute})

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupPending, got.Status())
	assert.WithinDuration(t, clock.Now().Add(time.Minute), got.DueAt, time.Second)

	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rearmed wakeup is not due yet")

	clock.Advance(time.Minute)
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.WithinDuration(t, clock.Now().Add(4*time.Minute), got.DueAt, time.Second)

	clock.Advance(4 * time.Minute)
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupFailed, got.Status())
	assert.Equal(t, 3, got.Attempts)

	stats := sched.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRetrySkippedWhenThreadMovedOn(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "moved")
	_, err := store.UpdateThread(ctx, "moved", threads.ThreadPatch{State: threads.StatePtr(threads.StateStopped)})
	require.NoError(t, err)

	sched := newScheduler(store, newFakeResumer(threads.ErrThreadStopped), nil, scheduler.Options{MaxAttempts: 5})
	_, err = sched.Poll(ctx)
	require.NoError(t, err)

	got, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupFailed, got.Status())
}

func TestBusyThreadDefersWakeup(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "occupied")
	resumer := newFakeResumer(&threads.ConcurrencyError{ThreadID: "occupied"})
	clock := &fakeClock{now: time.Now().UTC().Add(time.Second)}
	sched := newScheduler(store, resumer, clock, scheduler.Options{PollInterval: time.Minute})

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupPending, got.Status())
	assert.Nil(t, got.Error)
	assert.Zero(t, got.Attempts, "a deferral gives its attempt back")
	assert.Zero(t, sched.Stats().Failed)

	clock.Advance(time.Minute)
	resumer.setErr(nil)
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupWoken, got.Status())
}

func TestBusyDeferralKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "budget")
	resumer := newFakeResumer(&threads.ConcurrencyError{ThreadID: "budget"})
	clock := &fakeClock{now: time.Now().UTC().Add(time.Second)}
	sched := newScheduler(store, resumer, clock, scheduler.Options{
		PollInterval: time.Minute,
		MaxAttempts:  2,
		RetryBackoff: time.Minute,
	})

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clock.Advance(time.Minute)
	resumer.setErr(errors.New("transient"))
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupPending, got.Status(), "first real failure must still be retried")
	assert.Equal(t, 1, got.Attempts)
	stats := sched.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Zero(t, stats.Failed)

	clock.Advance(time.Minute)
	resumer.setErr(nil)
	n, err = sched.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupWoken, got.Status())
	assert.Equal(t, 2, got.Attempts)
}

func TestConcurrentSchedulersResumeEachWakeupOnce(t *testing.T) {
	ctx := context.Background()
	path := testutil.TestDBPath(t)
	storeA, err := state.OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeA.Close() })
	storeB, err := state.OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeB.Close() })

	var ids []string
	for i := 0; i < 20; i++ {
		w := suspendedThread(t, storeA, fmt.Sprintf("thread-%d", i))
		ids = append(ids, w.ID)
	}

	resumer := newFakeResumer(nil)
	clock := &fakeClock{now: time.Now().UTC().Add(time.Second)}
	a := newScheduler(storeA, resumer, clock, scheduler.Options{InstanceID: "a", BatchSize: 4})
	b := newScheduler(storeB, resumer, clock, scheduler.Options{InstanceID: "b", BatchSize: 4})

	for {
		var (
			wg     sync.WaitGroup
			na, nb int
			ea, eb error
		)
		wg.Add(2)
		go func() { defer wg.Done(); na, ea = a.Poll(ctx) }()
		go func() { defer wg.Done(); nb, eb = b.Poll(ctx) }()
		wg.Wait()
		require.NoError(t, ea)
		require.NoError(t, eb)
		if na == 0 && nb == 0 {
			break
		}
	}

	for _, id := range ids {
		assert.Equal(t, 1, resumer.count(id), "wakeup %s", id)
		w, err := storeA.GetWakeup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, threads.WakeupWoken, w.Status())
	}
	assert.Equal(t, int64(20), a.Stats().Processed+b.Stats().Processed)
}

func TestPollSkipsWhilePreviousPollRuns(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	suspendedThread(t, store, "slow")
	resumer := newFakeResumer(nil)
	resumer.started = make(chan struct{}, 1)
	resumer.release = make(chan struct{})
	sched := newScheduler(store, resumer, &fakeClock{now: time.Now().UTC().Add(time.Second)}, scheduler.Options{})

	done := make(chan int, 1)
	go func() {
		n, _ := sched.Poll(ctx)
		done <- n
	}()
	select {
	case <-resumer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("resume never started")
	}

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(resumer.release)
	assert.Equal(t, 1, <-done)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "looped")
	resumer := newFakeResumer(nil)
	sched := newScheduler(store, resumer, nil, scheduler.Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return resumer.count(w.ID) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, sched.Stats().Running)
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, sched.Stats().Running)
}

func TestRunDrainsResumptionsOnCancel(t *testing.T) {
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "draining")
	resumer := newFakeResumer(nil)
	resumer.started = make(chan struct{}, 1)
	resumer.release = make(chan struct{})
	sched := newScheduler(store, resumer, nil, scheduler.Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(stopped)
	}()

	select {
	case <-resumer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("resume never started")
	}
	cancel()
	select {
	case <-stopped:
		t.Fatal("scheduler returned before its resumption finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(resumer.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	got, err := store.GetWakeup(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupWoken, got.Status())
	assert.Nil(t, got.Error)
	stats := sched.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestRearmRefusesInFlightClaims(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "rearm")
	now := time.Now().UTC().Add(time.Second)

	claimed, err := store.ClaimDueWakeups(ctx, now, 1, threads.ClaimOptions{Claimer: "a", LeaseTTL: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = scheduler.Rearm(ctx, store, w.ID, now, now)
	require.ErrorIs(t, err, scheduler.ErrWakeupInFlight)

	// Once the lease has expired the claimer is presumed gone.
	rearmed, err := scheduler.Rearm(ctx, store, w.ID, now.Add(time.Hour), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupPending, rearmed.Status())
	assert.True(t, rearmed.DueAt.After(now))

	_, err = scheduler.Rearm(ctx, store, "missing", now, now)
	assert.True(t, threads.IsNotFound(err))
}

func TestRearmRevivesFailedWakeup(t *testing.T) {
	ctx := context.Background()
	store := testutil.OpenTestStore(t)
	w := suspendedThread(t, store, "revive")
	clock := &fakeClock{now: time.Now().UTC().Add(time.Second)}
	resumer := newFakeResumer(errors.New("model offline"))
	sched := newScheduler(store, resumer, clock, scheduler.Options{})

	_, err := sched.Poll(ctx)
	require.NoError(t, err)
	failed, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, threads.WakeupFailed, failed.Status())

	_, err = scheduler.Rearm(ctx, store, w.ID, clock.Now(), clock.Now())
	require.NoError(t, err)
	resumer.setErr(nil)

	n, err := sched.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	woken, err := store.GetWakeup(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, threads.WakeupWoken, woken.Status())
	assert.Equal(t, 2, woken.Attempts)
}
