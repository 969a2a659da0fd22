package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopilotKit/agentrunner/internal/authz"
	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/runner"
	"github.com/CopilotKit/agentrunner/internal/store/memory"
	"github.com/CopilotKit/agentrunner/internal/testutil"
)

type echoAgent struct{}

func (echoAgent) Run(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
	for _, m := range input.Messages {
		if err := emit(model.Event{
			Type:    model.EventTextMessageContent,
			Payload: model.MustMarshalPayload(map[string]string{"delta": "echo: " + m.Content}),
		}); err != nil {
			return err
		}
	}
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	r := runner.New(memory.New(), testutil.TestLogger())
	return New(ServerConfig{
		Runner:       r,
		Agents:       map[string]runner.Agent{"echo": echoAgent{}},
		DefaultAgent: "echo",
		Logger:       testutil.TestLogger(),
		Version:      "test",
		StoreName:    "memory",
	})
}

// sseEventTypes parses an SSE body into its event type lines.
func sseEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			out = append(out, after)
		}
	}
	return out
}

func doRun(t *testing.T, srv *Server, threadID, scopeHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+threadID+"/run", strings.NewReader(body))
	if scopeHeader != "" {
		req.Header.Set(authz.ScopeHeader, scopeHeader)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Data.Status)
	assert.Equal(t, "memory", resp.Data.Store)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRunStreamsSSE(t *testing.T) {
	srv := newTestServer(t)
	rec := doRun(t, srv, "t1", "alice",
		`{"messages":[{"id":"m1","role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{
		"RUN_STARTED",
		"TEXT_MESSAGE_CONTENT",
		"RUN_FINISHED",
	}, sseEventTypes(t, rec.Body.String()))
}

func TestRunUnknownAgent(t *testing.T) {
	srv := newTestServer(t)
	rec := doRun(t, srv, "t1", "", `{"agent":"nope"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
}

func TestRunCrossTenantForbidden(t *testing.T) {
	srv := newTestServer(t)
	rec := doRun(t, srv, "t1", "alice", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRun(t, srv, "t1", "bob", `{}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.Equal(t, "Unauthorized: cannot run on thread owned by different resource", apiErr.Error.Message)
}

func TestConnectReplaysHistory(t *testing.T) {
	srv := newTestServer(t)
	rec := doRun(t, srv, "t1", "alice",
		`{"messages":[{"id":"m1","role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/threads/t1/connect", nil)
	req.Header.Set(authz.ScopeHeader, "alice")
	replay := httptest.NewRecorder()
	srv.Handler().ServeHTTP(replay, req)

	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, sseEventTypes(t, rec.Body.String()), sseEventTypes(t, replay.Body.String()))

	// Another tenant connecting sees an empty stream, not an error.
	req = httptest.NewRequest(http.MethodGet, "/v1/threads/t1/connect", nil)
	req.Header.Set(authz.ScopeHeader, "bob")
	other := httptest.NewRecorder()
	srv.Handler().ServeHTTP(other, req)
	require.Equal(t, http.StatusOK, other.Code)
	assert.Empty(t, sseEventTypes(t, other.Body.String()))
}

func TestThreadDirectoryEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, id := range []string{"t1", "t2"} {
		rec := doRun(t, srv, id, "alice",
			`{"messages":[{"id":"m-`+id+`","role":"user","content":"hello from `+id+`"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// List is scoped and paginated.
	req := httptest.NewRequest(http.MethodGet, "/v1/threads?limit=1", nil)
	req.Header.Set(authz.ScopeHeader, "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data    []model.Thread `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.HasMore)
	require.Len(t, list.Data, 1)

	// Get one thread.
	req = httptest.NewRequest(http.MethodGet, "/v1/threads/t1", nil)
	req.Header.Set(authz.ScopeHeader, "alice")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Events as JSON.
	req = httptest.NewRequest(http.MethodGet, "/v1/threads/t1/events", nil)
	req.Header.Set(authz.ScopeHeader, "alice")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Data []model.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events.Data, 3)

	// Delete, then 404 on get. A second delete still succeeds.
	for range 2 {
		req = httptest.NewRequest(http.MethodDelete, "/v1/threads/t1", nil)
		req.Header.Set(authz.ScopeHeader, "alice")
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/threads/t1", nil)
	req.Header.Set(authz.ScopeHeader, "alice")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopIdleThread(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/threads/idle/stop", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data model.StopResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Stopped)
}

func TestMalformedScopeHeader(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	req.Header.Set(authz.ScopeHeader, "%zz")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSeesAllTenants(t *testing.T) {
	srv := newTestServer(t)
	for _, scope := range []string{"alice", "bob"} {
		rec := doRun(t, srv, "thread-"+scope, scope, `{}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// No credentials at all resolves to the admin scope.
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
}

func TestOpenAPISpecServed(t *testing.T) {
	r := runner.New(memory.New(), testutil.TestLogger())
	srv := New(ServerConfig{
		Runner:       r,
		Agents:       map[string]runner.Agent{"echo": echoAgent{}},
		DefaultAgent: "echo",
		Logger:       testutil.TestLogger(),
		OpenAPISpec:  []byte("openapi: 3.1.0\n"),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")

	// Without a spec the route is absent.
	rec = httptest.NewRecorder()
	newTestServer(t).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
