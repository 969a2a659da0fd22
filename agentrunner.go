// Package agentrunner is the public API for embedding the agent runner.
//
// Consumers register their agents, then construct and run the server:
//
//	app, err := agentrunner.New(
//	    agentrunner.WithAgent("support", myAgent),
//	    agentrunner.WithLogger(logger),
//	    agentrunner.WithVersion(version),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agentrunner (root)
// imports internal/*, but internal/* never imports the root. Public types
// (Event, Thread, RunInput) are standalone structs; conversion helpers
// live here because this is the only file that sees both sides of the
// boundary.
package agentrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/CopilotKit/agentrunner/api"
	"github.com/CopilotKit/agentrunner/internal/auth"
	"github.com/CopilotKit/agentrunner/internal/config"
	"github.com/CopilotKit/agentrunner/internal/mcp"
	"github.com/CopilotKit/agentrunner/internal/model"
	"github.com/CopilotKit/agentrunner/internal/ratelimit"
	"github.com/CopilotKit/agentrunner/internal/runner"
	"github.com/CopilotKit/agentrunner/internal/server"
	"github.com/CopilotKit/agentrunner/internal/store"
	"github.com/CopilotKit/agentrunner/internal/store/memory"
	"github.com/CopilotKit/agentrunner/internal/store/postgres"
	"github.com/CopilotKit/agentrunner/internal/store/sqlite"
	"github.com/CopilotKit/agentrunner/internal/telemetry"
	"github.com/CopilotKit/agentrunner/migrations"
)

// App is the runner server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	st           store.Store
	run          *runner.Runner
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the runner server. It opens the configured store, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(o.agents) == 0 {
		return nil, fmt.Errorf("agentrunner: at least one agent is required (use WithAgent)")
	}
	if _, ok := o.agents[o.defaultAgent]; !ok {
		return nil, fmt.Errorf("agentrunner: default agent %q is not registered", o.defaultAgent)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.storeDriver == "" {
			cfg.StoreDriver = config.StorePostgres
		}
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.storeDriver != "" {
		cfg.StoreDriver = o.storeDriver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentrunner starting", "version", version, "port", cfg.Port, "store", cfg.StoreDriver)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the event store.
	st, err := openStore(cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = st.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Hash the admin key once at startup so verification is constant-time
	// against the hash, never the plaintext.
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin key: %w", err)
		}
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Run coordinator.
	run := runner.New(st, logger)

	// Adapt public agents to the internal interface.
	agents := make(map[string]runner.Agent, len(o.agents))
	for name, a := range o.agents {
		agents[name] = &agentAdapter{agent: a}
	}

	// MCP server (read-only thread tools).
	mcpSrv := mcp.New(run, logger, version)

	// Adapt middlewares from agentrunner.Middleware to the plain form.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.ServerConfig{
		Runner:              run,
		Agents:              agents,
		DefaultAgent:        o.defaultAgent,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		AdminKeyHash:        adminKeyHash,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Pinger:              st,
		OpenAPISpec:         api.OpenAPISpec,
		Middleware:          middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.StoreDriver,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		st:           st,
		run:          run,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("store: memory (threads are lost on restart)")
		return memory.New(), nil
	case config.StoreSQLite:
		st, err := sqlite.New(cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := postgres.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := st.RunMigrations(context.Background(), migrations.FS); err != nil {
			_ = st.Close(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("agentrunner: unknown store driver %q", cfg.StoreDriver)
	}
}

// Handler returns the root HTTP handler, for mounting the runner inside
// an existing server instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has already been performed —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight ones, give running agents a grace period to finish, then
// close the limiter, the store, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agentrunner shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	// In-flight runs keep executing after the listener closes; wait for
	// them so their terminal events reach the store.
	deadline := time.Now().Add(a.cfg.RunStopTimeout)
	for a.run.ActiveRuns() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := a.run.ActiveRuns(); n > 0 {
		a.logger.Warn("shutdown with runs still active", "count", n)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	_ = a.st.Close(context.Background())

	a.logger.Info("agentrunner stopped")
	return nil
}

// ── Adapters and converters ────────────────────────────────────────────

// agentAdapter bridges a public Agent to the internal runner interface.
type agentAdapter struct {
	agent Agent
}

func (a *agentAdapter) Run(ctx context.Context, input model.RunInput, emit func(model.Event) error) error {
	pubEmit := func(ev Event) error {
		return emit(fromPublicEvent(ev))
	}
	return a.agent.Run(ctx, toPublicInput(input), pubEmit)
}

func toPublicInput(in model.RunInput) RunInput {
	msgs := make([]Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = Message{ID: m.ID, Role: m.Role, Content: m.Content}
	}
	return RunInput{
		ThreadID:       in.ThreadID,
		RunID:          in.RunID,
		Messages:       msgs,
		State:          in.State,
		Properties:     in.Properties,
		ForwardedProps: in.ForwardedProps,
	}
}

func fromPublicEvent(ev Event) model.Event {
	out := model.Event{
		ThreadID:  ev.ThreadID,
		RunID:     ev.RunID,
		Type:      model.EventType(ev.Type),
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	}
	if id, err := uuid.Parse(ev.ID); err == nil {
		out.ID = id
	}
	return out
}
