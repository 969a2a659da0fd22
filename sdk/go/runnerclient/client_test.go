package runnerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Scope: []string{"alice"}})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestRunStreamsEvents(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/threads/t1/run", r.URL.Path)
		require.Equal(t, "alice", r.Header.Get("X-Resource-Scope"))

		var req RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)

		w.Header().Set("Content-Type", "text/event-stream")
		for i, typ := range []string{"RUN_STARTED", "TEXT_MESSAGE_START", "RUN_FINISHED"} {
			fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q,\"sequence\":%d}\n\n", typ, typ, i+1)
		}
	})

	c := newTestClient(t, handler)
	ch, err := c.Run(context.Background(), "t1", RunRequest{
		Messages: []Message{{ID: "m1", Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var types []string
	for ev := range ch {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"RUN_STARTED", "TEXT_MESSAGE_START", "RUN_FINISHED"}, types)
}

func TestRunConflict(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"ALREADY_RUNNING","message":"Thread already running"}}`)
	})

	c := newTestClient(t, handler)
	_, err := c.Run(context.Background(), "t1", RunRequest{})
	require.Error(t, err)
	assert.True(t, IsAlreadyRunning(err))
	assert.Contains(t, err.Error(), "Thread already running")
}

func TestListThreadsUnwrapsEnvelope(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/threads", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"thread_id":"t1"},{"thread_id":"t2"}],"total":5,"has_more":true,"limit":2,"offset":0}`)
	})

	c := newTestClient(t, handler)
	page, err := c.ListThreads(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Threads, 2)
	assert.Equal(t, "t1", page.Threads[0].ThreadID)
}

func TestGetThreadNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"NOT_FOUND","message":"thread not found"}}`)
	})

	c := newTestClient(t, handler)
	_, err := c.GetThread(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestStop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/threads/t1/stop", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"stopped":true},"meta":{"request_id":"r1"}}`)
	})

	c := newTestClient(t, handler)
	stopped, err := c.Stop(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestAuthPrecedence(t *testing.T) {
	var gotAuth, gotAdmin, gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get("X-Admin-Key")
		gotScope = r.Header.Get("X-Resource-Scope")
		fmt.Fprint(w, `{"data":{"status":"ok"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", AdminKey: "key", Scope: []string{"alice"}})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotAdmin)
	assert.Empty(t, gotScope)
}

func TestEncodeScope(t *testing.T) {
	assert.Empty(t, encodeScope(nil))
	assert.Equal(t, "alice,bob", encodeScope([]string{"alice", "bob"}))
	assert.Equal(t, "a%2Cb", encodeScope([]string{"a,b"}))
}
