package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/store"
	"github.com/CopilotKit/agentrunner/internal/store/postgres"
	"github.com/CopilotKit/agentrunner/internal/testutil"
)

var testStore *postgres.Store

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_CONTAINER_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testStore, err = tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	_ = testStore.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()

	owner := "alice"
	now := time.Now().UTC().Truncate(time.Microsecond)
	thread := model.Thread{
		ThreadID:       "pg-t1",
		ResourceID:     &owner,
		Properties:     map[string]any{"topic": "café 🎉"},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, testStore.CreateThread(ctx, thread))
	assert.ErrorIs(t, testStore.CreateThread(ctx, thread), store.ErrExists)

	got, err := testStore.GetThread(ctx, "pg-t1")
	require.NoError(t, err)
	require.NotNil(t, got.ResourceID)
	assert.Equal(t, "alice", *got.ResourceID)
	assert.Equal(t, "café 🎉", got.Properties["topic"])

	first := "hello there"
	got.IsRunning = true
	got.MessageCount = 1
	got.FirstMessage = &first
	require.NoError(t, testStore.UpdateThread(ctx, got))

	got, err = testStore.GetThread(ctx, "pg-t1")
	require.NoError(t, err)
	assert.True(t, got.IsRunning)
	require.NotNil(t, got.FirstMessage)
	assert.Equal(t, "hello there", *got.FirstMessage)

	_, err = testStore.GetThread(ctx, "pg-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, testStore.DeleteThread(ctx, "pg-t1"))
	require.NoError(t, testStore.DeleteThread(ctx, "pg-t1"))
}

func TestAppendConcatenatesPerRun(t *testing.T) {
	ctx := context.Background()
	threadID := "pg-events"
	t.Cleanup(func() { _ = testStore.DeleteThread(ctx, threadID) })

	mk := func(runID string, seq int64, typ model.EventType) model.Event {
		return model.Event{
			ID: uuid.New(), ThreadID: threadID, RunID: runID,
			Type: typ, Sequence: seq, Timestamp: time.Now().UTC(),
		}
	}

	// Two appends to r1, then a second run r2: reads must yield r1's
	// events first, all in append order.
	require.NoError(t, testStore.AppendEvents(ctx, threadID, "r1", []model.Event{
		mk("r1", 1, model.EventRunStarted),
		mk("r1", 2, model.EventTextMessageStart),
	}))
	require.NoError(t, testStore.AppendEvents(ctx, threadID, "r1", []model.Event{
		mk("r1", 3, model.EventRunFinished),
	}))
	require.NoError(t, testStore.AppendEvents(ctx, threadID, "r2", []model.Event{
		mk("r2", 4, model.EventRunStarted),
		mk("r2", 5, model.EventRunError),
	}))

	events, err := testStore.ReadEvents(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, "r1", events[0].RunID)
	assert.Equal(t, "r2", events[4].RunID)

	// One row per run.
	var rows int
	require.NoError(t, testStore.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM run_events WHERE thread_id = $1`, threadID).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestListScopedAndPaginated(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()

	mk := func(id, owner string, offset time.Duration) model.Thread {
		th := model.Thread{ThreadID: id, CreatedAt: base, LastActivityAt: base.Add(offset)}
		if owner != "" {
			th.ResourceID = &owner
		}
		return th
	}
	ids := []string{"pg-list-a1", "pg-list-a2", "pg-list-b1", "pg-list-a1-suggestions-0"}
	t.Cleanup(func() {
		for _, id := range ids {
			_ = testStore.DeleteThread(ctx, id)
		}
	})
	require.NoError(t, testStore.CreateThread(ctx, mk("pg-list-a1", "list-alice", 3*time.Minute)))
	require.NoError(t, testStore.CreateThread(ctx, mk("pg-list-a2", "list-alice", time.Minute)))
	require.NoError(t, testStore.CreateThread(ctx, mk("pg-list-b1", "list-bob", 2*time.Minute)))
	require.NoError(t, testStore.CreateThread(ctx, mk("pg-list-a1-suggestions-0", "list-alice", 4*time.Minute)))

	threads, total, err := testStore.ListThreads(ctx, []string{"list-alice"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, threads, 2)
	assert.Equal(t, "pg-list-a1", threads[0].ThreadID)
	assert.Equal(t, "pg-list-a2", threads[1].ThreadID)

	threads, total, err = testStore.ListThreads(ctx, []string{"list-alice"}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, threads, 1)
	assert.Equal(t, "pg-list-a2", threads[0].ThreadID)

	threads, total, err = testStore.ListThreads(ctx, []string{"list-alice"}, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, threads)

	// The suggestion thread stays individually addressable.
	_, err = testStore.GetThread(ctx, "pg-list-a1-suggestions-0")
	require.NoError(t, err)
}
