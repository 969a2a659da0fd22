package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopilotKit/agentrunner/internal/authz"
	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
	"github.com/CopilotKit/agentrunner/internal/store/memory"
	"github.com/CopilotKit/agentrunner/internal/testutil"
)

type agentFunc func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error

func (f agentFunc) Run(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
	return f(ctx, input, emit)
}

// textAgent streams one assistant message and returns.
func textAgent(content string) Agent {
	return agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		if err := emit(model.Event{Type: model.EventTextMessageStart, Payload: json.RawMessage(`{"message_id":"m-out"}`)}); err != nil {
			return err
		}
		if err := emit(model.Event{Type: model.EventTextMessageContent, Payload: model.MustMarshalPayload(map[string]string{"delta": content})}); err != nil {
			return err
		}
		return emit(model.Event{Type: model.EventTextMessageEnd, Payload: json.RawMessage(`{"message_id":"m-out"}`)})
	})
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return New(memory.New(), testutil.TestLogger())
}

// drain collects every event from ch until it closes.
func drain(t *testing.T, ch <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

func waitIdle(t *testing.T, r *Runner) {
	t.Helper()
	require.Eventually(t, func() bool { return r.ActiveRuns() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func types(events []model.Event) []model.EventType {
	out := make([]model.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	scope := authz.NewScope("alice")

	ch, err := r.Run(ctx, "t1", textAgent("hi there"), RunParams{
		Messages: []model.Message{{ID: "m1", Role: "user", Content: "what is the weather"}},
	}, scope)
	require.NoError(t, err)

	events := drain(t, ch)
	assert.Equal(t, []model.EventType{
		model.EventRunStarted,
		model.EventTextMessageStart,
		model.EventTextMessageContent,
		model.EventTextMessageEnd,
		model.EventRunFinished,
	}, types(events))

	// Sequence numbers are contiguous from 1 and all events carry the
	// same run id.
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, "t1", ev.ThreadID)
		assert.Equal(t, events[0].RunID, ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	// The synthesized RUN_STARTED records the input for delta computation.
	started, err := model.DecodeRunStarted(events[0])
	require.NoError(t, err)
	require.NotNil(t, started.Input)
	require.Len(t, started.Input.Messages, 1)
	assert.Equal(t, "m1", started.Input.Messages[0].ID)

	waitIdle(t, r)
	thread, err := r.GetThread(ctx, "t1", scope)
	require.NoError(t, err)
	assert.False(t, thread.IsRunning)
	assert.Equal(t, 2, thread.MessageCount) // one user message plus one streamed
	require.NotNil(t, thread.FirstMessage)
	assert.Equal(t, "what is the weather", *thread.FirstMessage)
	require.NotNil(t, thread.ResourceID)
	assert.Equal(t, "alice", *thread.ResourceID)

	// The persisted history matches what the live subscriber saw.
	stored, err := r.ReadThreadEvents(ctx, "t1", scope)
	require.NoError(t, err)
	assert.Equal(t, events, stored)
}

func TestRunRejectsConcurrentRunOnSameThread(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		close(started)
		<-release
		return nil
	})

	ch, err := r.Run(ctx, "busy", blocking, RunParams{}, nil)
	require.NoError(t, err)
	<-started

	_, err = r.Run(ctx, "busy", textAgent("x"), RunParams{}, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different thread is unaffected.
	other, err := r.Run(ctx, "other", textAgent("x"), RunParams{}, nil)
	require.NoError(t, err)
	drain(t, other)

	close(release)
	drain(t, ch)
	waitIdle(t, r)

	// The lock is gone once the run ends.
	ch, err = r.Run(ctx, "busy", textAgent("again"), RunParams{}, nil)
	require.NoError(t, err)
	drain(t, ch)
}

func TestRunCrossTenantDenied(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	alice := authz.NewScope("alice")
	bob := authz.NewScope("bob")

	ch, err := r.Run(ctx, "t1", textAgent("hello"), RunParams{}, alice)
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	_, err = r.Run(ctx, "t1", textAgent("steal"), RunParams{}, bob)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.EqualError(t, err, "Unauthorized: cannot run on thread owned by different resource")

	// Denied reads behave as absent rather than forbidden.
	_, err = r.GetThread(ctx, "t1", bob)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := r.ReadThreadEvents(ctx, "t1", bob)
	require.NoError(t, err)
	assert.Empty(t, events)

	threads, total, err := r.ListThreads(ctx, bob, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, threads)

	// A denied delete is silently a no-op.
	require.NoError(t, r.DeleteThread(ctx, "t1", bob))
	_, err = r.GetThread(ctx, "t1", alice)
	require.NoError(t, err)

	// Admin sees everything.
	_, err = r.GetThread(ctx, "t1", nil)
	require.NoError(t, err)

	// A wider scope containing the owner may write.
	both := authz.NewScope("carol", "alice")
	ch, err = r.Run(ctx, "t1", textAgent("ok"), RunParams{}, both)
	require.NoError(t, err)
	drain(t, ch)
}

func TestRunComputesMessageDelta(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	var second model.RunInput
	capture := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		second = input
		return nil
	})

	ch, err := r.Run(ctx, "t1", textAgent("reply"), RunParams{
		Messages: []model.Message{{ID: "m1", Role: "user", Content: "first"}},
	}, nil)
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	// The client resends its full history; only the new message reaches
	// the agent.
	ch, err = r.Run(ctx, "t1", capture, RunParams{
		Messages: []model.Message{
			{ID: "m1", Role: "user", Content: "first"},
			{ID: "m2", Role: "user", Content: "second"},
		},
	}, nil)
	require.NoError(t, err)
	drain(t, ch)

	require.Len(t, second.Messages, 1)
	assert.Equal(t, "m2", second.Messages[0].ID)
}

func TestAgentSuppliedRunStartedForwardedVerbatim(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	payload := model.MustMarshalPayload(model.RunStartedPayload{
		ThreadID: "t1",
		RunID:    "custom",
		Input: &model.RunInput{Messages: []model.Message{
			{ID: "agent-m", Role: "user", Content: "agent knows best"},
		}},
	})
	custom := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		return emit(model.Event{Type: model.EventRunStarted, Payload: payload})
	})

	ch, err := r.Run(ctx, "t1", custom, RunParams{
		Messages: []model.Message{{ID: "m1", Role: "user", Content: "ignored for recording"}},
	}, nil)
	require.NoError(t, err)
	events := drain(t, ch)

	// Exactly one RUN_STARTED, the agent's own, payload untouched.
	assert.Equal(t, []model.EventType{model.EventRunStarted, model.EventRunFinished}, types(events))
	assert.JSONEq(t, string(payload), string(events[0].Payload))

	// The agent's input is what counts for later deltas.
	waitIdle(t, r)
	var got model.RunInput
	capture := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		got = input
		return nil
	})
	ch, err = r.Run(ctx, "t1", capture, RunParams{
		Messages: []model.Message{
			{ID: "agent-m", Role: "user", Content: "agent knows best"},
			{ID: "m3", Role: "user", Content: "new"},
		},
	}, nil)
	require.NoError(t, err)
	drain(t, ch)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m3", got.Messages[0].ID)
}

func TestStopAbortsRun(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	started := make(chan struct{})
	blocking := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		if err := emit(model.Event{Type: model.EventTextMessageStart}); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ch, err := r.Run(ctx, "t1", blocking, RunParams{}, nil)
	require.NoError(t, err)
	<-started
	assert.True(t, r.Stop("t1"))

	events := drain(t, ch)
	last := events[len(events)-1]
	require.Equal(t, model.EventRunError, last.Type)
	p, err := model.DecodeRunError(last)
	require.NoError(t, err)
	assert.Equal(t, "stopped", p.Code)

	waitIdle(t, r)
	thread, err := r.GetThread(ctx, "t1", nil)
	require.NoError(t, err)
	assert.False(t, thread.IsRunning)

	// Stopping an idle thread reports no run, not an error.
	assert.False(t, r.Stop("t1"))
	assert.False(t, r.Stop("never-existed"))
}

func TestAgentErrorYieldsRunError(t *testing.T) {
	r := newTestRunner(t)

	boom := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		return errors.New("model overloaded")
	})
	ch, err := r.Run(context.Background(), "t1", boom, RunParams{}, nil)
	require.NoError(t, err)
	events := drain(t, ch)

	assert.Equal(t, []model.EventType{model.EventRunStarted, model.EventRunError}, types(events))
	p, err := model.DecodeRunError(events[1])
	require.NoError(t, err)
	assert.Equal(t, "agent_failure", p.Code)
	assert.Equal(t, "model overloaded", p.Message)
}

func TestConnectReplaysIdenticalSequence(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	alice := authz.NewScope("alice")

	ch, err := r.Run(ctx, "t1", textAgent("one"), RunParams{
		Messages: []model.Message{{ID: "m1", Role: "user", Content: "hi"}},
	}, alice)
	require.NoError(t, err)
	first := drain(t, ch)
	waitIdle(t, r)

	replay, err := r.Connect(ctx, "t1", alice)
	require.NoError(t, err)
	assert.Equal(t, first, drain(t, replay))

	// Absent thread: empty stream, nil error.
	empty, err := r.Connect(ctx, "missing", nil)
	require.NoError(t, err)
	assert.Empty(t, drain(t, empty))

	// A thread owned by someone else behaves the same as absent.
	denied, err := r.Connect(ctx, "t1", authz.NewScope("bob"))
	require.NoError(t, err)
	assert.Empty(t, drain(t, denied))
}

func TestUnownedThreadIsNeverClaimed(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	ch, err := r.Run(ctx, "t1", textAgent("a"), RunParams{}, nil)
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	// A later scoped run may write to the unowned thread, but ownership
	// is claimed only at creation, so the thread stays unowned.
	ch, err = r.Run(ctx, "t1", textAgent("b"), RunParams{}, authz.NewScope("alice"))
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	thread, err := r.GetThread(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Nil(t, thread.ResourceID)

	// Any scope can still read it.
	_, err = r.GetThread(ctx, "t1", authz.NewScope("bob"))
	require.NoError(t, err)
}

func TestConnectMidRunContinuesLive(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	emitted := make(chan struct{})
	release := make(chan struct{})
	gated := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		if err := emit(model.Event{Type: model.EventTextMessageStart}); err != nil {
			return err
		}
		close(emitted)
		<-release
		return emit(model.Event{Type: model.EventTextMessageEnd})
	})

	ch, err := r.Run(ctx, "t1", gated, RunParams{}, nil)
	require.NoError(t, err)
	<-emitted

	// Joins after two events were recorded, sees the full sequence.
	late, err := r.Connect(ctx, "t1", nil)
	require.NoError(t, err)

	close(release)
	direct := drain(t, ch)
	joined := drain(t, late)

	assert.Equal(t, []model.EventType{
		model.EventRunStarted,
		model.EventTextMessageStart,
		model.EventTextMessageEnd,
		model.EventRunFinished,
	}, types(direct))
	assert.Equal(t, direct, joined)
}

func TestConnectCancelDoesNotStopRun(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	gated := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		close(started)
		<-release
		return emit(model.Event{Type: model.EventTextMessageStart})
	})

	ch, err := r.Run(ctx, "t1", gated, RunParams{}, nil)
	require.NoError(t, err)
	<-started

	connectCtx, cancel := context.WithCancel(ctx)
	viewer, err := r.Connect(connectCtx, "t1", nil)
	require.NoError(t, err)
	cancel()
	for range viewer { //nolint:revive // drain until the watcher exits
	}

	// The run is still live and completes normally.
	assert.Equal(t, 1, r.ActiveRuns())
	close(release)
	events := drain(t, ch)
	assert.Equal(t, model.EventRunFinished, events[len(events)-1].Type)
}

func TestDeleteDuringRunCleansUpAtTerminal(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	gated := agentFunc(func(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
		if err := emit(model.Event{Type: model.EventTextMessageStart}); err != nil {
			return err
		}
		close(started)
		<-release
		return nil
	})

	ch, err := r.Run(ctx, "t1", gated, RunParams{}, nil)
	require.NoError(t, err)
	<-started

	// Delete does not abort the in-flight run.
	require.NoError(t, r.DeleteThread(ctx, "t1", nil))
	assert.Equal(t, 1, r.ActiveRuns())

	close(release)
	events := drain(t, ch)
	assert.Equal(t, model.EventRunFinished, events[len(events)-1].Type)
	waitIdle(t, r)

	// The thread converges to fully absent, trailing events included.
	_, err = r.GetThread(ctx, "t1", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	stored, err := r.ReadThreadEvents(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRunMergesThreadProperties(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	ch, err := r.Run(ctx, "t1", textAgent("a"), RunParams{
		Properties: map[string]any{"title": "draft", "pinned": true},
	}, nil)
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	ch, err = r.Run(ctx, "t1", textAgent("b"), RunParams{
		Properties: map[string]any{"title": "final"},
	}, nil)
	require.NoError(t, err)
	drain(t, ch)
	waitIdle(t, r)

	thread, err := r.GetThread(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "final", thread.Properties["title"])
	assert.Equal(t, true, thread.Properties["pinned"])
}

func TestRunRejectsInvalidThreadID(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), "   ", textAgent("x"), RunParams{}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidThreadID)
	_, err = r.Connect(context.Background(), "", nil)
	assert.ErrorIs(t, err, model.ErrInvalidThreadID)
}

func TestSuggestionThreadsHiddenFromListing(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	scope := authz.NewScope("alice")

	for _, id := range []string{"t1", "t1-suggestions-0"} {
		ch, err := r.Run(ctx, id, textAgent("x"), RunParams{}, scope)
		require.NoError(t, err)
		drain(t, ch)
	}
	waitIdle(t, r)

	threads, total, err := r.ListThreads(ctx, scope, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ThreadID)

	// Still reachable directly.
	_, err = r.GetThread(ctx, "t1-suggestions-0", scope)
	require.NoError(t, err)
}
