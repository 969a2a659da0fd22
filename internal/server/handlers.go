package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/runner"
	"github.com/CopilotKit/agentrunner/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlersDeps carries everything the HTTP handlers need.
type HandlersDeps struct {
	Runner       *runner.Runner
	Agents       map[string]runner.Agent
	DefaultAgent string
	Pinger       Pinger
	Logger       *slog.Logger
	Version      string
	StoreName    string
}

// Handlers holds the HTTP handler implementations.
type Handlers struct {
	runner       *runner.Runner
	agents       map[string]runner.Agent
	defaultAgent string
	pinger       Pinger
	logger       *slog.Logger
	version      string
	storeName    string
	startTime    time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		runner:       deps.Runner,
		agents:       deps.Agents,
		defaultAgent: deps.DefaultAgent,
		pinger:       deps.Pinger,
		logger:       deps.Logger,
		version:      deps.Version,
		storeName:    deps.StoreName,
		startTime:    time.Now(),
	}
}

// HandleHealth reports process and store health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, code, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.storeName,
		Uptime:  int64(time.Since(h.startTime).Seconds()),
	})
}

// HandleRun starts a run on a thread and streams its events as SSE.
// Client disconnect ends the stream only; the run continues to completion.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var req model.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed request body")
		return
	}

	agentName := req.Agent
	if agentName == "" {
		agentName = h.defaultAgent
	}
	agent, ok := h.agents[agentName]
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent: "+agentName)
		return
	}

	ch, err := h.runner.Run(r.Context(), threadID, agent, runner.RunParams{
		Messages:       req.Messages,
		State:          req.State,
		Properties:     req.Properties,
		ForwardedProps: req.ForwardedProps,
	}, ScopeFromContext(r.Context()))
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		h.logger.Error("sse unsupported", "error", err)
		return
	}
	streamEvents(r, sse, ch)
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidThreadID):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, runner.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, model.ErrCodeUnauthorized, err.Error())
	case errors.Is(err, runner.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyRunning, err.Error())
	default:
		h.logger.Error("run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// HandleConnect replays a thread's history as SSE and follows any
// in-flight run live until its terminal event.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	ch, err := h.runner.Connect(r.Context(), threadID, ScopeFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, model.ErrInvalidThreadID) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("connect failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		h.logger.Error("sse unsupported", "error", err)
		return
	}
	streamEvents(r, sse, ch)
}

// HandleStop cancels a thread's in-flight run.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	stopped := h.runner.Stop(threadID)
	writeJSON(w, r, http.StatusOK, model.StopResponse{Stopped: stopped})
}

// HandleListThreads returns a page of the caller's threads.
func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	threads, total, err := h.runner.ListThreads(r.Context(), ScopeFromContext(r.Context()), limit, offset)
	if err != nil {
		h.logger.Error("list threads failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeList(w, r, threads, total, limit, offset, len(threads))
}

// HandleGetThread returns one thread's metadata.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	thread, err := h.runner.GetThread(r.Context(), threadID, ScopeFromContext(r.Context()))
	switch {
	case errors.Is(err, model.ErrInvalidThreadID):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
	case err != nil:
		h.logger.Error("get thread failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	default:
		writeJSON(w, r, http.StatusOK, thread)
	}
}

// HandleDeleteThread deletes a thread and its events. Idempotent.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if err := h.runner.DeleteThread(r.Context(), threadID, ScopeFromContext(r.Context())); err != nil {
		if errors.Is(err, model.ErrInvalidThreadID) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("delete thread failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": true})
}

// HandleGetThreadEvents returns a thread's stored event history as JSON.
// Absent and inaccessible threads both yield an empty list.
func (h *Handlers) HandleGetThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	events, err := h.runner.ReadThreadEvents(r.Context(), threadID, ScopeFromContext(r.Context()))
	if err != nil {
		h.logger.Error("read thread events failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
