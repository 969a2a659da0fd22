package agentrunner

import (
	"context"
	"net/http"
)

// Agent produces the event stream for one run. Implementations emit
// events in order via emit and return once the turn is complete. A
// non-nil error from emit means the run is aborting; return promptly.
// ctx is cancelled when the run is stopped.
type Agent interface {
	Run(ctx context.Context, input RunInput, emit func(Event) error) error
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, input RunInput, emit func(Event) error) error

// Run calls f.
func (f AgentFunc) Run(ctx context.Context, input RunInput, emit func(Event) error) error {
	return f(ctx, input, emit)
}

// Middleware wraps the App's HTTP handler. Registered middlewares run
// outside the built-in chain, first registered outermost.
type Middleware func(http.Handler) http.Handler
