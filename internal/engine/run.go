package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flitsinc/go-threads/internal/agenttools"
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/idgen"
	"github.com/flitsinc/go-threads/internal/retry"
	"github.com/flitsinc/go-threads/internal/telemetry"
	"github.com/flitsinc/go-threads/internal/threads"
)

var ErrMaxTicks = errors.New("max ticks exceeded")

// RunInput is new user input for a thread. With Create set a missing thread
// is created from the remaining fields; an empty ThreadID then gets a
// generated id.
type RunInput struct {
	ThreadID     string         `json:"thread_id"`
	Input        string         `json:"input"`
	Create       bool           `json:"create,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	Model        string         `json:"model,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
}

func (in *RunInput) normalize() error {
	if strings.TrimSpace(in.Input) == "" {
		return &threads.ValidationError{Field: "input", Reason: "is required"}
	}
	if in.ThreadID == "" {
		if !in.Create {
			return &threads.ValidationError{Field: "thread_id", Reason: "is required"}
		}
		in.ThreadID = idgen.New()
	}
	return nil
}

const (
	OutcomeCompleted = "completed"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeStopped   = "stopped"
)

type RunResult struct {
	Thread  threads.Thread  `json:"thread"`
	Outcome string          `json:"outcome,omitempty"`
	Output  string          `json:"output,omitempty"`
	Events  []threads.Event `json:"events"`
	Wakeup  *threads.Wakeup `json:"wakeup,omitempty"`
	Ticks   int             `json:"ticks"`
}

type runState struct {
	thread     threads.Thread
	hist       *threads.History
	events     []threads.Event
	emit       emitter
	ticks      int
	output     string
	wakeup     *threads.Wakeup
	trace      *modelTrace
	consistent bool
}

func (e *Engine) newRunState(thread threads.Thread, hist *threads.History, emit emitter) *runState {
	return &runState{
		thread:     thread,
		hist:       hist,
		emit:       emit,
		trace:      newModelTrace(e.opts.DebugDir, thread, e.logger),
		consistent: true,
	}
}

func (r *runState) result(outcome string) RunResult {
	return RunResult{
		Thread:  r.thread,
		Outcome: outcome,
		Output:  r.output,
		Events:  r.events,
		Wakeup:  r.wakeup,
		Ticks:   r.ticks,
	}
}

// Run appends input to the thread and executes it until it completes,
// suspends or fails. A second concurrent Run on the same thread fails
// immediately with a *threads.ConcurrencyError.
func (e *Engine) Run(ctx context.Context, in RunInput) (RunResult, error) {
	if err := in.normalize(); err != nil {
		return RunResult{}, err
	}
	runCtx, lease, err := e.acquire(ctx, in.ThreadID)
	if err != nil {
		return RunResult{}, err
	}
	defer e.release(lease)
	return e.run(runCtx, in, nil)
}

// Stream is Run with incremental output. Busy and validation errors are
// returned directly; everything after that arrives on the channel, which
// ends with one done or error item and is then closed.
func (e *Engine) Stream(ctx context.Context, in RunInput) (<-chan StreamEvent, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	runCtx, lease, err := e.acquire(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer e.release(lease)
		res, err := e.run(runCtx, in, channelEmitter(runCtx, ch))
		final := StreamEvent{Type: StreamTypeDone, Result: &res}
		if err != nil {
			final = StreamEvent{Type: StreamTypeError, Error: err.Error(), Result: &res}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (e *Engine) run(ctx context.Context, in RunInput, emit emitter) (RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(attribute.String("thread.id", in.ThreadID)))
	defer span.End()
	start := time.Now()
	defer func() { telemetry.EngineRunDurationSeconds.Observe(time.Since(start).Seconds()) }()

	thread, hist, err := e.load(ctx, in.ThreadID)
	if threads.IsNotFound(err) && in.Create {
		thread, err = e.CreateThread(ctx, threads.ThreadSpec{
			ID:           in.ThreadID,
			AgentID:      in.AgentID,
			Model:        in.Model,
			Context:      in.Context,
			ParentTaskID: in.ParentTaskID,
		})
		hist = threads.NewHistory(in.ThreadID)
	}
	if err != nil {
		return RunResult{}, fmt.Errorf("load thread %s: %w", in.ThreadID, err)
	}

	r := e.newRunState(thread, hist, emit)
	if err := e.admit(ctx, r); err != nil {
		span.RecordError(err)
		return r.result(""), err
	}
	if err := e.appendEvents(ctx, r, threads.EventInput{Payload: threads.Message{Role: threads.RoleUser, Text: in.Input}}); err != nil {
		return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	return e.drive(ctx, r)
}

// admit brings a thread that receives new input into RUNNING.
func (e *Engine) admit(ctx context.Context, r *runState) error {
	switch r.thread.State {
	case threads.StateStopped:
		return fmt.Errorf("run thread %s: %w", r.thread.ID, threads.ErrThreadStopped)
	case threads.StateDead:
		return fmt.Errorf("run thread %s: %w", r.thread.ID, threads.ErrThreadDead)
	case threads.StateInterruptible:
		n, err := e.store.CancelWakeupsForThread(ctx, r.thread.ID)
		if err != nil {
			return fmt.Errorf("cancel wakeups: %w", err)
		}
		if err := e.transition(ctx, &r.thread, threads.StateRunning, threads.ThreadPatch{}); err != nil {
			return err
		}
		return e.appendEvents(ctx, r, threads.SystemInput(threads.SignalResumed, map[string]any{
			threads.MetaReason: "input",
			"cancelled":        n,
		}))
	case threads.StateZombie:
		return e.transition(ctx, &r.thread, threads.StateRunning, threads.ThreadPatch{Error: threads.StringPtr("")})
	case threads.StateUninterruptible:
		e.logger.Warn("recovering thread left mid model call", slog.String("thread_id", r.thread.ID), slog.Int64("tick", r.thread.Tick))
		return e.transition(ctx, &r.thread, threads.StateRunning, threads.ThreadPatch{})
	default:
		return nil
	}
}

// Resume continues a thread put to sleep by a wakeup. Only INTERRUPTIBLE
// threads can be resumed.
func (e *Engine) Resume(ctx context.Context, threadID string, wakeup threads.Wakeup) (RunResult, error) {
	runCtx, lease, err := e.acquire(ctx, threadID)
	if err != nil {
		return RunResult{}, err
	}
	defer e.release(lease)

	runCtx, span := e.tracer.Start(runCtx, "engine.resume", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("wakeup.id", wakeup.ID),
	))
	defer span.End()

	thread, hist, err := e.load(runCtx, threadID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	r := e.newRunState(thread, hist, nil)
	switch thread.State {
	case threads.StateInterruptible:
	case threads.StateStopped:
		return r.result(""), fmt.Errorf("resume thread %s: %w", threadID, threads.ErrThreadStopped)
	case threads.StateDead:
		return r.result(""), fmt.Errorf("resume thread %s: %w", threadID, threads.ErrThreadDead)
	default:
		return r.result(""), &threads.StateTransitionError{ThreadID: threadID, From: thread.State, To: threads.StateRunning}
	}

	if err := e.transition(runCtx, &r.thread, threads.StateRunning, threads.ThreadPatch{}); err != nil {
		return r.result(""), err
	}
	if err := e.appendEvents(runCtx, r, threads.SystemInput(threads.SignalResumed, map[string]any{
		threads.MetaWakeupID: wakeup.ID,
		threads.MetaReason:   wakeup.Reason,
	})); err != nil {
		return e.fail(runCtx, r, &threads.TickError{ThreadID: threadID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	if !needsModel(r.hist) {
		return e.complete(runCtx, r)
	}
	return e.drive(runCtx, r)
}

// drive is the tick loop. Every store call, model call and tool call is a
// point where cancellation of ctx is observed.
func (e *Engine) drive(ctx context.Context, r *runState) (RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, r, err)
		}
		if r.ticks >= e.opts.MaxTicks {
			return e.fail(ctx, r, fmt.Errorf("thread %s: %w (%d)", r.thread.ID, ErrMaxTicks, e.opts.MaxTicks))
		}

		// The tick is stored with the response, so a tick cut short by Stop
		// leaves no trace on the thread.
		tick := r.thread.Tick + 1
		if err := e.transition(ctx, &r.thread, threads.StateUninterruptible, threads.ThreadPatch{}); err != nil {
			return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: tick, Phase: threads.PhaseStorage, Err: err})
		}
		r.ticks++
		telemetry.EngineTicksTotal.Inc()

		resp, err := e.callModel(ctx, r, tick)
		if err != nil {
			return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: tick, Phase: threads.PhaseModel, Err: err})
		}

		// The response is recorded even if the caller went away meanwhile.
		dctx := context.WithoutCancel(ctx)
		if err := e.transition(dctx, &r.thread, threads.StateRunning, threads.ThreadPatch{Tick: &tick}); err != nil {
			return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: tick, Phase: threads.PhaseStorage, Err: err})
		}
		inputs, calls := responseInputs(resp)
		if err := e.appendEvents(dctx, r, inputs...); err != nil {
			return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: tick, Phase: threads.PhaseStorage, Err: err})
		}
		if resp.Text != "" {
			r.output = resp.Text
		}
		if len(calls) == 0 {
			return e.complete(ctx, r)
		}

		results, suspend, toolErr := e.runTools(ctx, r, calls)
		if err := e.appendEvents(dctx, r, results...); err != nil {
			return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: tick, Phase: threads.PhaseStorage, Err: err})
		}
		if toolErr != nil {
			return e.fail(ctx, r, toolErr)
		}
		if suspend != nil {
			return e.suspend(ctx, r, suspend)
		}
	}
}

func responseInputs(resp ai.Response) ([]threads.EventInput, []threads.ToolCall) {
	var inputs []threads.EventInput
	if resp.Reasoning != "" {
		inputs = append(inputs, threads.EventInput{Payload: threads.Reasoning{Text: resp.Reasoning}})
	}
	if resp.Text != "" {
		inputs = append(inputs, threads.EventInput{Payload: threads.Message{Role: threads.RoleAssistant, Text: resp.Text}})
	}
	calls := make([]threads.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call-" + idgen.EventID()
		}
		call := threads.ToolCall{CallID: id, Name: tc.Name, Arguments: tc.Arguments}
		calls = append(calls, call)
		inputs = append(inputs, threads.EventInput{Payload: call})
	}
	return inputs, calls
}

func (e *Engine) callModel(ctx context.Context, r *runState, tick int64) (ai.Response, error) {
	model, name, err := e.models.Resolve(r.thread.Model)
	if err != nil {
		return ai.Response{}, err
	}
	req := ai.Request{Model: name, Items: itemsFromHistory(r.hist), Tools: e.tools.Specs()}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ModelTimeout)
	defer cancel()
	mctx, span := e.tracer.Start(mctx, "engine.model", trace.WithAttributes(
		attribute.String("thread.id", r.thread.ID),
		attribute.String("model", name),
		attribute.Int64("tick", tick),
	))
	defer span.End()

	start := time.Now()
	r.trace.Request(mctx, tick, req)
	var resp ai.Response
	err = retry.Do(mctx, retry.Config{
		MaxAttempts: e.opts.ModelRetries + 1,
		BaseDelay:   e.opts.ModelRetryDelay,
		Retryable:   retryableModelError,
		OnRetry: func(attempt int, err error) {
			e.logger.Warn("model call failed, retrying",
				slog.String("thread_id", r.thread.ID),
				slog.Int64("tick", tick),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var err error
		if sm, ok := model.(ai.StreamingModel); ok && r.emit != nil {
			resp, err = sm.GenerateStream(mctx, req, r.emit.delta)
		} else {
			resp, err = model.Generate(mctx, req)
		}
		return err
	})
	telemetry.EngineModelCallSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	r.trace.Response(mctx, tick, resp, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ai.Response{}, err
	}
	return resp, nil
}

// retryableModelError reports whether another model attempt could succeed.
// Rejected requests and an exhausted call budget fail the same way again.
func retryableModelError(err error) bool {
	switch {
	case errors.Is(err, threads.ErrValidation),
		errors.Is(err, ai.ErrUnknownModel),
		errors.Is(err, ai.ErrScriptExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// runTools executes calls in order. When ctx ends between calls the rest are
// answered with error results so no call is left without a result.
func (e *Engine) runTools(ctx context.Context, r *runState, calls []threads.ToolCall) ([]threads.EventInput, *agenttools.Suspend, error) {
	var suspend *agenttools.Suspend
	results := make([]threads.EventInput, 0, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for _, rest := range calls[i:] {
				results = append(results, threads.EventInput{Payload: threads.ToolResult{
					CallID:  rest.CallID,
					Name:    rest.Name,
					Output:  "interrupted: " + err.Error(),
					IsError: true,
				}})
			}
			return results, nil, err
		}
		result, s := e.runTool(ctx, r, call)
		results = append(results, threads.EventInput{Payload: result})
		if s != nil && suspend == nil {
			suspend = s
		}
	}
	return results, suspend, nil
}

func (e *Engine) runTool(ctx context.Context, r *runState, call threads.ToolCall) (threads.ToolResult, *agenttools.Suspend) {
	tctx, cancel := context.WithTimeout(ctx, e.opts.ToolTimeout)
	defer cancel()
	tctx, span := e.tracer.Start(tctx, "engine.tool", trace.WithAttributes(
		attribute.String("thread.id", r.thread.ID),
		attribute.String("tool", call.Name),
	))
	defer span.End()

	res, err := e.tools.Execute(tctx, agenttools.Call{
		ID:        call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
		ThreadID:  r.thread.ID,
	})
	if err != nil {
		telemetry.EngineToolCallsTotal.WithLabelValues(call.Name, "error").Inc()
		span.RecordError(err)
		e.logger.Info("tool call failed",
			slog.String("thread_id", r.thread.ID),
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		result := threads.ToolResult{CallID: call.CallID, Name: call.Name, Output: err.Error(), IsError: true}
		r.trace.Tool(tctx, r.thread.Tick, call, result)
		return result, nil
	}
	telemetry.EngineToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	result := threads.ToolResult{CallID: call.CallID, Name: call.Name, Output: res.Output}
	r.trace.Tool(tctx, r.thread.Tick, call, result)
	return result, res.Suspend
}

// appendEvents writes one batch and folds it into the run's history. When
// the batch does not directly follow the history (another writer appended in
// between, e.g. a stop signal) the gap is read back from the log first.
func (e *Engine) appendEvents(ctx context.Context, r *runState, inputs ...threads.EventInput) error {
	if len(inputs) == 0 {
		return nil
	}
	events, err := e.store.AppendEvents(ctx, r.thread.ID, inputs)
	if err != nil {
		return err
	}
	var foldErr error
	if events[0].Seq != r.hist.LastSeq+1 {
		var missed []threads.Event
		missed, foldErr = e.store.ListEventsFrom(ctx, r.thread.ID, r.hist.LastSeq, 0)
		if foldErr == nil {
			foldErr = r.hist.FoldBatch(missed)
		}
	} else {
		foldErr = r.hist.FoldBatch(events)
	}
	if foldErr != nil {
		r.consistent = false
		return fmt.Errorf("fold appended events: %w", foldErr)
	}
	r.events = append(r.events, events...)
	for _, evt := range events {
		r.emit.event(evt)
	}
	return nil
}

func (e *Engine) suspend(ctx context.Context, r *runState, s *agenttools.Suspend) (RunResult, error) {
	w, err := e.store.CreateWakeup(ctx, threads.WakeupSpec{
		ThreadID: r.thread.ID,
		After:    s.After,
		At:       s.At,
		Reason:   s.Reason,
	})
	if err != nil {
		return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	if err := e.appendEvents(ctx, r, threads.SystemInput(threads.SignalSuspended, map[string]any{
		threads.MetaWakeupID: w.ID,
		threads.MetaReason:   w.Reason,
		threads.MetaTick:     r.thread.Tick,
		"due_at":             w.DueAt.Format(time.RFC3339Nano),
	})); err != nil {
		return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	if err := e.transition(ctx, &r.thread, threads.StateInterruptible, threads.ThreadPatch{}); err != nil {
		return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	r.wakeup = &w
	return e.finish(r, OutcomeSuspended), nil
}

func (e *Engine) complete(ctx context.Context, r *runState) (RunResult, error) {
	if err := e.transition(context.WithoutCancel(ctx), &r.thread, threads.StateZombie, threads.ThreadPatch{}); err != nil {
		return e.fail(ctx, r, &threads.TickError{ThreadID: r.thread.ID, Tick: r.thread.Tick, Phase: threads.PhaseStorage, Err: err})
	}
	return e.finish(r, OutcomeCompleted), nil
}

func (e *Engine) finish(r *runState, outcome string) RunResult {
	telemetry.EngineRunsTotal.WithLabelValues(outcome).Inc()
	if r.consistent {
		e.remember(r.thread, r.hist)
	} else {
		e.cache.Remove(r.thread.ID)
	}
	e.logger.Info("run finished",
		slog.String("thread_id", r.thread.ID),
		slog.String("outcome", outcome),
		slog.String("state", string(r.thread.State)),
		slog.Int64("tick", r.thread.Tick),
		slog.Int("events", len(r.events)),
	)
	return r.result(outcome)
}

// fail ends a run that could not continue. A thread stopped externally stays
// STOPPED; anything else records a system event (best effort) and becomes a
// ZOMBIE carrying the error.
func (e *Engine) fail(ctx context.Context, r *runState, cause error) (RunResult, error) {
	dctx := context.WithoutCancel(ctx)
	if current, err := e.store.GetThread(dctx, r.thread.ID); err == nil {
		r.thread = current
	}
	if r.thread.State == threads.StateStopped {
		return e.finish(r, OutcomeStopped), fmt.Errorf("run thread %s: %w", r.thread.ID, threads.ErrThreadStopped)
	}

	outcome, signal := OutcomeFailed, threads.SignalFailed
	var tickErr *threads.TickError
	modelFailed := errors.As(cause, &tickErr) && tickErr.Phase == threads.PhaseModel
	switch {
	case ctx.Err() != nil:
		outcome, signal = OutcomeAborted, threads.SignalAborted
		cause = fmt.Errorf("run thread %s aborted: %w", r.thread.ID, cause)
	case modelFailed:
		signal = threads.SignalModelError
	}

	// A failed model call still counts as a tick: its error is recorded.
	patch := threads.ThreadPatch{}
	tick := r.thread.Tick
	if modelFailed && tickErr.Tick > tick {
		tick = tickErr.Tick
		patch.Tick = &tick
	}

	if err := e.appendEvents(dctx, r, threads.SystemInput(signal, map[string]any{
		threads.MetaError: cause.Error(),
		threads.MetaTick:  tick,
	})); err != nil {
		e.logger.Warn("record failure event", slog.String("thread_id", r.thread.ID), slog.String("error", err.Error()))
	}

	errText := cause.Error()
	patch.Error = &errText
	var err error
	switch {
	case r.thread.State == threads.StateZombie:
		var updated threads.Thread
		updated, err = e.store.UpdateThread(dctx, r.thread.ID, patch)
		if err == nil {
			r.thread = updated
		}
	case threads.CanTransition(r.thread.State, threads.StateZombie):
		err = e.transition(dctx, &r.thread, threads.StateZombie, patch)
	case r.thread.State == threads.StateInterruptible:
		if err = e.transition(dctx, &r.thread, threads.StateRunning, threads.ThreadPatch{}); err == nil {
			err = e.transition(dctx, &r.thread, threads.StateZombie, patch)
		}
	}
	if err != nil {
		r.consistent = false
		e.logger.Error("mark thread failed", slog.String("thread_id", r.thread.ID), slog.String("error", err.Error()))
	}

	e.logger.Error("run failed",
		slog.String("thread_id", r.thread.ID),
		slog.String("outcome", outcome),
		slog.Int64("tick", r.thread.Tick),
		slog.String("error", errText),
	)
	return e.finish(r, outcome), cause
}
