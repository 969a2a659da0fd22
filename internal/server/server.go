package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/CopilotKit/agentrunner/internal/auth"
	"github.com/CopilotKit/agentrunner/internal/ratelimit"
	"github.com/CopilotKit/agentrunner/internal/runner"
)

// Server is the runner HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, MCPServer, Pinger, Middleware.
type ServerConfig struct {
	// Required dependencies.
	Runner       *runner.Runner
	Agents       map[string]runner.Agent
	DefaultAgent string
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr       *auth.JWTManager
	AdminKeyHash string
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer
	Pinger       Pinger

	// Extra middleware applied outside the built-in chain, first entry
	// outermost.
	Middleware []func(http.Handler) http.Handler

	// OpenAPISpec is the raw YAML served at /openapi.yaml when non-nil.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runner:       cfg.Runner,
		Agents:       cfg.Agents,
		DefaultAgent: cfg.DefaultAgent,
		Pinger:       cfg.Pinger,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		StoreName:    cfg.StoreName,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	runRL := ratelimit.Middleware(cfg.Limiter, scopeKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Run lifecycle. The run endpoint is rate limited per caller; connect
	// and stop are not, long-lived streams and aborts should never bounce.
	mux.Handle("POST /v1/threads/{thread_id}/run",
		runRL(maxBody(cfg.MaxRequestBodyBytes, http.HandlerFunc(h.HandleRun))))
	mux.HandleFunc("GET /v1/threads/{thread_id}/connect", h.HandleConnect)
	mux.HandleFunc("POST /v1/threads/{thread_id}/stop", h.HandleStop)

	// Thread directory.
	mux.HandleFunc("GET /v1/threads", h.HandleListThreads)
	mux.HandleFunc("GET /v1/threads/{thread_id}", h.HandleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{thread_id}", h.HandleDeleteThread)
	mux.HandleFunc("GET /v1/threads/{thread_id}/events", h.HandleGetThreadEvents)

	// MCP StreamableHTTP transport (read-only thread tools).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → scope → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = scopeMiddleware(cfg.JWTMgr, cfg.AdminKeyHash, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// scopeKeyFunc rate-limits by the caller's first resource id. Admin
// requests are exempt.
func scopeKeyFunc(r *http.Request) string {
	scope := ScopeFromContext(r.Context())
	if scope == nil {
		return ""
	}
	if owner := scope.OwnerID(); owner != "" {
		return owner
	}
	return ratelimit.IPKeyFunc(r)
}

// maxBody caps the request body size. Zero disables the cap.
func maxBody(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
