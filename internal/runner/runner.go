// Package runner is the run coordinator: it enforces the single-writer
// lock per thread, drives the agent, persists every emitted event, and
// fans events out to live subscribers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/CopilotKit/agentrunner/internal/authz"
	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
	"github.com/CopilotKit/agentrunner/internal/telemetry"
)

// Error messages here are part of the API contract; callers and clients
// match on them.
var (
	// ErrAlreadyRunning is returned when a run is requested on a thread
	// whose lock is held. Callers retry; requests are never queued.
	ErrAlreadyRunning = errors.New("Thread already running")

	// ErrUnauthorized is returned on a cross-tenant write attempt.
	ErrUnauthorized = errors.New("Unauthorized: cannot run on thread owned by different resource")
)

// Agent produces the event stream for one run. Implementations emit
// events in order via emit and return once the turn is complete; a non-nil
// error from emit means the run is aborting and the implementation should
// return promptly. ctx is cancelled by Stop.
type Agent interface {
	Run(ctx context.Context, input model.RunInput, emit func(model.Event) error) error
}

// RunParams is the caller-supplied portion of a run request.
type RunParams struct {
	Messages       []model.Message
	State          map[string]any
	Properties     map[string]any
	ForwardedProps map[string]any
}

// Runner coordinates runs across all threads. One instance per process.
type Runner struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	runsStarted  otelmetric.Int64Counter
	runsFinished otelmetric.Int64Counter
}

// activeRun is the per-thread lock holder while a run is in flight.
type activeRun struct {
	runID  string
	cancel context.CancelFunc
	broker *broker
	done   chan struct{}
}

// New creates a Runner on top of a store.
func New(st store.Store, logger *slog.Logger) *Runner {
	r := &Runner{
		store:  st,
		logger: logger,
		active: make(map[string]*activeRun),
	}
	meter := telemetry.Meter("agentrunner/runner")
	if c, err := meter.Int64Counter("runner.runs_started"); err == nil {
		r.runsStarted = c
	}
	if c, err := meter.Int64Counter("runner.runs_finished"); err == nil {
		r.runsFinished = c
	}
	return r
}

// Run executes one turn of agent against threadID. The returned channel
// delivers every event of the run in order and closes on the terminal
// event. Abandoning the channel does not stop the run; only Stop does.
//
// Authorization and lock failures are synchronous and leave no state
// behind.
func (r *Runner) Run(ctx context.Context, threadID string, agent Agent, params RunParams, scope *authz.Scope) (<-chan model.Event, error) {
	if err := model.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	thread, found, err := r.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var existing *model.Thread
	if found {
		existing = &thread
	}
	if !authz.CanWrite(existing, scope) {
		return nil, ErrUnauthorized
	}

	runID := uuid.New().String()
	agentCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &activeRun{
		runID:  runID,
		cancel: cancel,
		broker: newBroker(),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if _, busy := r.active[threadID]; busy {
		r.mu.Unlock()
		cancel()
		return nil, ErrAlreadyRunning
	}
	r.active[threadID] = h
	r.mu.Unlock()

	// Lock held from here on; every failure path must release it.
	// Ownership is claimed only here, at creation. A thread created
	// without an owner (admin run) stays unowned for its lifetime.
	now := time.Now().UTC()
	if !found {
		thread = model.Thread{ThreadID: threadID, CreatedAt: now}
		if owner := scope.OwnerID(); owner != "" {
			thread.ResourceID = &owner
		}
	}
	mergeProperties(&thread, params.Properties)
	thread.IsRunning = true
	thread.LastActivityAt = now

	if found {
		err = r.store.UpdateThread(ctx, thread)
	} else {
		err = r.store.CreateThread(ctx, thread)
	}
	if err != nil {
		cancel()
		r.release(threadID, h)
		return nil, fmt.Errorf("runner: persist thread: %w", err)
	}

	stored, err := r.store.ReadEvents(ctx, threadID)
	if err != nil {
		cancel()
		r.markNotRunning(threadID)
		r.release(threadID, h)
		return nil, fmt.Errorf("runner: read prior events: %w", err)
	}
	var lastSeq int64
	for _, ev := range stored {
		if ev.Sequence > lastSeq {
			lastSeq = ev.Sequence
		}
	}

	input := model.RunInput{
		ThreadID:       threadID,
		RunID:          runID,
		Messages:       deltaMessages(stored, params.Messages),
		State:          params.State,
		Properties:     params.Properties,
		ForwardedProps: params.ForwardedProps,
	}

	out := h.broker.subscribe()
	if r.runsStarted != nil {
		r.runsStarted.Add(ctx, 1)
	}

	go r.drive(agentCtx, h, threadID, runID, agent, input, lastSeq)
	return out, nil
}

// Connect replays a thread's stored events and, when a run is in flight,
// continues with its live events until the terminal event. Absent and
// access-denied threads both yield an empty, immediately-closed stream.
func (r *Runner) Connect(ctx context.Context, threadID string, scope *authz.Scope) (<-chan model.Event, error) {
	if err := model.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	out := make(chan model.Event, subscriberBuffer)

	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !authz.CanRead(&thread, scope)) {
		close(out)
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: connect: %w", err)
	}

	// Subscribe before the snapshot read so no live event falls between
	// snapshot and tail; overlap is filtered by sequence below.
	r.mu.Lock()
	h := r.active[threadID]
	var live chan model.Event
	if h != nil {
		live = h.broker.subscribe()
	}
	r.mu.Unlock()

	stored, err := r.store.ReadEvents(ctx, threadID)
	if err != nil {
		if live != nil {
			h.broker.unsubscribe(live)
		}
		return nil, fmt.Errorf("runner: read events: %w", err)
	}

	go func() {
		defer close(out)
		var maxSeq int64
		for _, ev := range stored {
			if ev.Sequence > maxSeq {
				maxSeq = ev.Sequence
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				if live != nil {
					h.broker.unsubscribe(live)
				}
				return
			}
		}
		if live == nil {
			return
		}
		defer h.broker.unsubscribe(live)
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Sequence <= maxSeq {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Stop cancels the thread's in-flight run. Returns false when no run is
// active; that is an outcome, not an error. Safe to race with the run's
// natural completion.
func (r *Runner) Stop(threadID string) bool {
	r.mu.Lock()
	h := r.active[threadID]
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// GetThread returns thread metadata. Absent and denied threads are both
// store.ErrNotFound so existence never leaks across tenants.
func (r *Runner) GetThread(ctx context.Context, threadID string, scope *authz.Scope) (model.Thread, error) {
	if err := model.ValidateThreadID(threadID); err != nil {
		return model.Thread{}, err
	}
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return model.Thread{}, err
	}
	if !authz.CanRead(&thread, scope) {
		return model.Thread{}, store.ErrNotFound
	}
	return thread, nil
}

// ListThreads returns a page of the scope's threads, newest activity
// first, plus the total count.
func (r *Runner) ListThreads(ctx context.Context, scope *authz.Scope, limit, offset int) ([]model.Thread, int, error) {
	return r.store.ListThreads(ctx, scope.IDs(), limit, offset)
}

// DeleteThread removes a thread and its events. Idempotent; a denied
// delete behaves like deleting an absent thread. An in-flight run is not
// aborted: its already-connected subscribers keep streaming and the
// coordinator cleans up the leftover events at the terminal event.
func (r *Runner) DeleteThread(ctx context.Context, threadID string, scope *authz.Scope) error {
	if err := model.ValidateThreadID(threadID); err != nil {
		return err
	}
	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("runner: delete thread: %w", err)
	}
	if !authz.CanRead(&thread, scope) {
		return nil
	}
	if err := r.store.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("runner: delete thread: %w", err)
	}
	return nil
}

// ReadThreadEvents returns the stored event history for a thread. Absent
// and denied threads yield an empty slice.
func (r *Runner) ReadThreadEvents(ctx context.Context, threadID string, scope *authz.Scope) ([]model.Event, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: read thread events: %w", err)
	}
	if !authz.CanRead(&thread, scope) {
		return []model.Event{}, nil
	}
	return r.store.ReadEvents(ctx, threadID)
}

// ActiveRuns reports how many runs currently hold a lock.
func (r *Runner) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// drive runs the agent to completion. It is the only goroutine that
// finalizes the run, so the stop/finish race cannot double-release the
// lock or emit two terminal events.
func (r *Runner) drive(ctx context.Context, h *activeRun, threadID, runID string, agent Agent, input model.RunInput, lastSeq int64) {
	defer close(h.done)
	defer h.cancel()

	// Store writes survive the stop cancellation: the terminal event of a
	// stopped run must still be persisted.
	persistCtx := context.WithoutCancel(ctx)

	var (
		seq             = lastSeq
		startedRecorded bool
		terminalSeen    bool
		fatal           error
	)

	record := func(ev model.Event) error {
		seq++
		ev.ThreadID = threadID
		ev.RunID = runID
		ev.Sequence = seq
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if ev.Type == model.EventRunStarted {
			startedRecorded = true
		}
		if ev.IsTerminal() {
			terminalSeen = true
		}
		// Forward first for latency; the append failing is fatal to the
		// run but must not hide the event from live subscribers.
		h.broker.publish(ev)
		if err := r.store.AppendEvents(persistCtx, threadID, runID, []model.Event{ev}); err != nil {
			return fmt.Errorf("runner: append event: %w", err)
		}
		return nil
	}

	ensureStarted := func() error {
		if startedRecorded {
			return nil
		}
		return record(model.Event{
			Type: model.EventRunStarted,
			Payload: model.MustMarshalPayload(model.RunStartedPayload{
				ThreadID: threadID,
				RunID:    runID,
				Input:    &input,
			}),
		})
	}

	emit := func(ev model.Event) error {
		if fatal != nil {
			return fatal
		}
		if terminalSeen {
			return fmt.Errorf("runner: event after terminal event")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// An agent-supplied RUN_STARTED is forwarded verbatim: its input,
		// if any, replaces the computed delta. Any other first event gets
		// the synthesized run-start marker ahead of it.
		if ev.Type != model.EventRunStarted {
			if err := ensureStarted(); err != nil {
				fatal = err
				return err
			}
		}
		if err := record(ev); err != nil {
			fatal = err
			return err
		}
		return nil
	}

	runErr := agent.Run(ctx, input, emit)

	status := model.RunCompleted
	switch {
	case fatal != nil:
		status = model.RunErrored
		// Best-effort terminal marker: the append already failed once, so
		// publish to live subscribers regardless and try to persist.
		ev := model.Event{
			Type: model.EventRunError,
			Payload: model.MustMarshalPayload(model.RunErrorPayload{
				Message: fatal.Error(),
				Code:    "storage_failure",
			}),
		}
		if !terminalSeen {
			if err := record(ev); err != nil {
				r.logger.Error("terminal event not persisted", "thread_id", threadID, "run_id", runID, "error", err)
			}
		}
	case terminalSeen:
		if runErr != nil {
			status = model.RunErrored
		}
	case ctx.Err() != nil:
		status = model.RunAborted
		err := errors.Join(ensureStarted(), record(model.Event{
			Type: model.EventRunError,
			Payload: model.MustMarshalPayload(model.RunErrorPayload{
				Message: "run stopped",
				Code:    "stopped",
			}),
		}))
		if err != nil {
			r.logger.Error("stop event not persisted", "thread_id", threadID, "run_id", runID, "error", err)
		}
	case runErr != nil:
		status = model.RunErrored
		err := errors.Join(ensureStarted(), record(model.Event{
			Type: model.EventRunError,
			Payload: model.MustMarshalPayload(model.RunErrorPayload{
				Message: runErr.Error(),
				Code:    "agent_failure",
			}),
		}))
		if err != nil {
			r.logger.Error("error event not persisted", "thread_id", threadID, "run_id", runID, "error", err)
		}
	default:
		err := errors.Join(ensureStarted(), record(model.Event{
			Type: model.EventRunFinished,
			Payload: model.MustMarshalPayload(map[string]string{
				"thread_id": threadID,
				"run_id":    runID,
			}),
		}))
		if err != nil {
			r.logger.Error("finish event not persisted", "thread_id", threadID, "run_id", runID, "error", err)
			status = model.RunErrored
		}
	}

	h.broker.close()
	// Directory finalization completes before the lock is released so the
	// next run on this thread observes the settled state.
	r.finalizeDirectory(threadID)
	r.release(threadID, h)

	if r.runsFinished != nil {
		r.runsFinished.Add(persistCtx, 1)
	}
	r.logger.Info("run finished",
		"thread_id", threadID, "run_id", runID, "status", string(status), "events", seq-lastSeq)
}

// finalizeDirectory updates the thread's directory row after a run ends.
// If the thread was deleted mid-run, the leftover events appended after
// the delete are removed so the thread converges to absent.
func (r *Runner) finalizeDirectory(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		if err := r.store.DeleteThread(ctx, threadID); err != nil {
			r.logger.Warn("orphan event cleanup failed", "thread_id", threadID, "error", err)
		}
		return
	}
	if err != nil {
		r.logger.Warn("directory finalize read failed", "thread_id", threadID, "error", err)
		return
	}

	events, err := r.store.ReadEvents(ctx, threadID)
	if err != nil {
		r.logger.Warn("directory finalize events read failed", "thread_id", threadID, "error", err)
		events = nil
	}
	count, first := summarize(events)

	thread.IsRunning = false
	thread.MessageCount = count
	thread.FirstMessage = first
	thread.LastActivityAt = time.Now().UTC()
	if err := r.store.UpdateThread(ctx, thread); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("directory finalize update failed", "thread_id", threadID, "error", err)
	}
}

// release drops the thread's lock entry if h still holds it.
func (r *Runner) release(threadID string, h *activeRun) {
	r.mu.Lock()
	if r.active[threadID] == h {
		delete(r.active, threadID)
	}
	r.mu.Unlock()
}

// markNotRunning is a best-effort rollback of the running flag on a
// pre-flight failure after the directory row was written.
func (r *Runner) markNotRunning(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return
	}
	thread.IsRunning = false
	_ = r.store.UpdateThread(ctx, thread)
}

func (r *Runner) loadThread(ctx context.Context, threadID string) (model.Thread, bool, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Thread{}, false, nil
	}
	if err != nil {
		return model.Thread{}, false, fmt.Errorf("runner: load thread: %w", err)
	}
	return thread, true, nil
}

// mergeProperties overlays explicitly supplied keys onto the thread's
// properties; keys from earlier runs survive unless overwritten.
func mergeProperties(t *model.Thread, props map[string]any) {
	if len(props) == 0 {
		return
	}
	if t.Properties == nil {
		t.Properties = make(map[string]any, len(props))
	}
	for k, v := range props {
		t.Properties[k] = v
	}
}
