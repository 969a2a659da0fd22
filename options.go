package agentrunner

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	storeDriver  string
	databaseURL  string
	sqlitePath   string
	logger       *slog.Logger
	version      string
	agents       map[string]Agent
	defaultAgent string
	middlewares  []Middleware
}

// WithPort overrides the TCP port from config (RUNNER_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreDriver overrides the store backend from config (RUNNER_STORE
// env var): "memory", "sqlite", or "postgres".
func WithStoreDriver(driver string) Option {
	return func(o *resolvedOptions) { o.storeDriver = driver }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Implies the postgres store driver unless one
// was set explicitly.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file path from config
// (RUNNER_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent registers an agent under a name. Run requests select it with
// the request's agent field. The first registered agent becomes the
// default unless WithDefaultAgent overrides that.
func WithAgent(name string, agent Agent) Option {
	return func(o *resolvedOptions) {
		if o.agents == nil {
			o.agents = make(map[string]Agent)
		}
		o.agents[name] = agent
		if o.defaultAgent == "" {
			o.defaultAgent = name
		}
	}
}

// WithDefaultAgent selects the agent used when a run request names none.
func WithDefaultAgent(name string) Option {
	return func(o *resolvedOptions) { o.defaultAgent = name }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
