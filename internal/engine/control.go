package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flitsinc/go-threads/internal/threads"
)

const stopAttempts = 3

// CreateThread creates a RUNNING thread with no events.
func (e *Engine) CreateThread(ctx context.Context, spec threads.ThreadSpec) (threads.Thread, error) {
	if spec.AgentID == "" {
		spec.AgentID = e.opts.DefaultAgentID
	}
	thread, err := e.store.CreateThread(ctx, spec)
	if err != nil {
		return threads.Thread{}, err
	}
	e.notify(thread)
	e.logger.Info("thread created", slog.String("thread_id", thread.ID), slog.String("agent_id", thread.AgentID))
	return thread, nil
}

func (e *Engine) GetThread(ctx context.Context, threadID string) (threads.Thread, error) {
	return e.store.GetThread(ctx, threadID)
}

func (e *Engine) ListThreads(ctx context.Context, filter threads.ListFilter) ([]threads.Thread, error) {
	return e.store.ListThreads(ctx, filter)
}

// History returns the folded history of a thread. The result is a private
// copy.
func (e *Engine) History(ctx context.Context, threadID string) (*threads.History, error) {
	thread, hist, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !e.guard.Active(threadID) {
		e.remember(thread, hist.Clone())
	}
	return hist, nil
}

// Stop moves a thread to STOPPED. A run executing in this process is
// cancelled and observes the stop at its next suspension point. Stopping a
// stopped thread is a no-op.
func (e *Engine) Stop(ctx context.Context, threadID, reason string) (threads.Thread, error) {
	for attempt := 0; attempt < stopAttempts; attempt++ {
		thread, err := e.store.GetThread(ctx, threadID)
		if err != nil {
			return threads.Thread{}, err
		}
		if thread.State == threads.StateStopped {
			return thread, nil
		}
		if !thread.State.Stoppable() {
			return thread, &threads.StateTransitionError{ThreadID: threadID, From: thread.State, To: threads.StateStopped}
		}
		err = e.transition(ctx, &thread, threads.StateStopped, threads.ThreadPatch{})
		if _, raced := threads.AsTransitionError(err); raced {
			continue
		}
		if err != nil {
			return threads.Thread{}, err
		}

		e.guard.Cancel(threadID)
		cancelled, err := e.store.CancelWakeupsForThread(ctx, threadID)
		if err != nil {
			return thread, fmt.Errorf("cancel wakeups: %w", err)
		}
		if _, err := e.store.AppendEvents(ctx, threadID, []threads.EventInput{
			threads.SystemInput(threads.SignalStopped, map[string]any{
				threads.MetaReason: reason,
				"cancelled":        cancelled,
			}),
		}); err != nil {
			return thread, fmt.Errorf("record stop: %w", err)
		}
		e.logger.Info("thread stopped",
			slog.String("thread_id", threadID),
			slog.String("reason", reason),
			slog.Int("cancelled_wakeups", cancelled),
		)
		return thread, nil
	}
	return threads.Thread{}, fmt.Errorf("stop thread %s: state changed %d times", threadID, stopAttempts)
}

// Continue resumes a STOPPED thread. Tool calls cut short by the stop are
// answered with error results before the model is asked again.
func (e *Engine) Continue(ctx context.Context, threadID string) (RunResult, error) {
	runCtx, lease, err := e.acquire(ctx, threadID)
	if err != nil {
		return RunResult{}, err
	}
	defer e.release(lease)

	thread, hist, err := e.load(runCtx, threadID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	r := e.newRunState(thread, hist, nil)
	if thread.State != threads.StateStopped {
		return r.result(""), &threads.StateTransitionError{ThreadID: threadID, From: thread.State, To: threads.StateRunning}
	}
	if err := e.transition(runCtx, &r.thread, threads.StateRunning, threads.ThreadPatch{Error: threads.StringPtr("")}); err != nil {
		return r.result(""), err
	}

	inputs := []threads.EventInput{threads.SystemInput(threads.SignalContinued, nil)}
	for _, call := range r.hist.PendingCalls {
		inputs = append(inputs, threads.EventInput{Payload: threads.ToolResult{
			CallID:  call.CallID,
			Name:    call.Name,
			Output:  "interrupted: thread was stopped",
			IsError: true,
		}})
	}
	if err := e.appendEvents(runCtx, r, inputs...); err != nil {
		return e.fail(runCtx, r, &threads.TickError{ThreadID: threadID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	if !needsModel(r.hist) {
		r.output = r.hist.LastAssistant
		return e.complete(runCtx, r)
	}
	return e.drive(runCtx, r)
}

// Collected is what a reaped thread leaves behind.
type Collected struct {
	Thread threads.Thread `json:"thread"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Events int            `json:"events"`
}

// Collect reaps a ZOMBIE thread: it reads the final output and moves the
// thread to DEAD.
func (e *Engine) Collect(ctx context.Context, threadID string) (Collected, error) {
	_, lease, err := e.acquire(ctx, threadID)
	if err != nil {
		return Collected{}, err
	}
	defer e.release(lease)

	thread, hist, err := e.load(ctx, threadID)
	if err != nil {
		return Collected{}, err
	}
	if thread.State != threads.StateZombie {
		return Collected{}, &threads.StateTransitionError{ThreadID: threadID, From: thread.State, To: threads.StateDead}
	}
	errText := thread.Error
	if err := e.transition(ctx, &thread, threads.StateDead, threads.ThreadPatch{}); err != nil {
		return Collected{}, err
	}
	e.cache.Remove(threadID)
	return Collected{
		Thread: thread,
		Output: hist.LastAssistant,
		Error:  errText,
		Events: len(hist.Events),
	}, nil
}

// DeleteThread removes a thread with its history and wakeups. A thread that
// is executing cannot be deleted.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	_, lease, err := e.acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer e.release(lease)

	if err := e.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	e.cache.Remove(threadID)
	e.logger.Info("thread deleted", slog.String("thread_id", threadID))
	return nil
}
