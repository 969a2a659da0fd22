// Package mcp exposes the thread directory over the Model Context Protocol.
//
// The surface is read-only: MCP clients can browse threads and replay
// their event history but runs are started only through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/CopilotKit/agentrunner/internal/runner"
)

// Server wraps the MCP server around the run coordinator.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runner    *runner.Runner
	logger    *slog.Logger
}

// New creates and configures a new MCP server with the thread tools.
// Tool calls run admin-scoped; mount the transport accordingly.
func New(r *runner.Runner, logger *slog.Logger, version string) *Server {
	s := &Server{
		runner: r,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentrunner",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("list_threads",
			mcplib.WithDescription("List conversation threads, newest activity first. Returns thread metadata including message counts and first-message previews."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum threads to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Number of threads to skip"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
		),
		s.handleListThreads,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_thread",
			mcplib.WithDescription("Get one thread's metadata: owner, properties, message count, running state."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread identifier"),
				mcplib.Required(),
			),
		),
		s.handleGetThread,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("replay_thread",
			mcplib.WithDescription("Replay a thread's full stored event history in order. Useful for reconstructing what an agent said and did."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread identifier"),
				mcplib.Required(),
			),
		),
		s.handleReplayThread,
	)
}

func (s *Server) handleListThreads(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	offset := request.GetInt("offset", 0)

	threads, total, err := s.runner.ListThreads(ctx, nil, limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list threads failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"threads": threads,
		"total":   total,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleGetThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := request.GetString("thread_id", "")
	if threadID == "" {
		return errorResult("thread_id is required"), nil
	}

	thread, err := s.runner.GetThread(ctx, threadID, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("get thread failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(thread, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleReplayThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID := request.GetString("thread_id", "")
	if threadID == "" {
		return errorResult("thread_id is required"), nil
	}

	events, err := s.runner.ReadThreadEvents(ctx, threadID, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("replay thread failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"thread_id": threadID,
		"events":    events,
	}, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
