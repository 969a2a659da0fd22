// Command agentrunnerd serves the agent runner with a built-in echo agent.
// It exists for local development and smoke testing; real deployments embed
// the agentrunner package and register their own agents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/CopilotKit/agentrunner"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RUNNER_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := agentrunner.New(
		agentrunner.WithAgent("echo", agentrunner.AgentFunc(echoAgent)),
		agentrunner.WithLogger(logger),
		agentrunner.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return app.Run(ctx)
}

// echoAgent streams the latest user message back as an assistant message.
// One run produces a single text message, emitted word by word.
func echoAgent(ctx context.Context, input agentrunner.RunInput, emit func(agentrunner.Event) error) error {
	content := "Nothing to echo."
	for i := len(input.Messages) - 1; i >= 0; i-- {
		if input.Messages[i].Role == "user" {
			content = input.Messages[i].Content
			break
		}
	}

	msgID := uuid.NewString()
	if err := emitJSON(emit, agentrunner.EventTextMessageStart, map[string]any{
		"messageId": msgID,
		"role":      "assistant",
	}); err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(content, " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emitJSON(emit, agentrunner.EventTextMessageContent, map[string]any{
			"messageId": msgID,
			"delta":     word,
		}); err != nil {
			return err
		}
	}
	return emitJSON(emit, agentrunner.EventTextMessageEnd, map[string]any{
		"messageId": msgID,
	})
}

func emitJSON(emit func(agentrunner.Event) error, typ agentrunner.EventType, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("echo: marshal payload: %w", err)
	}
	return emit(agentrunner.Event{Type: typ, Payload: raw})
}
