// Package mcp exposes the workflow engine as an MCP control surface: tools
// to start, resume and inspect runs over stdio, plus live event push to
// connected clients.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Interpreter *engine.Interpreter
	Registry    *registry.Registry
	Store       store.RunStore
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// LoomServer wraps an MCP server with workflow tool handlers.
type LoomServer struct {
	interpreter *engine.Interpreter
	registry    *registry.Registry
	store       store.RunStore
	hub         streaming.EventHub
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewLoomServer creates a LoomServer with all four tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		interpreter: deps.Interpreter,
		registry:    deps.Registry,
		store:       deps.Store,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom is a declarative workflow interpreter. Use loom.run to execute a registered workflow, loom.resume to continue a run from a checkpoint, loom.status to inspect a run, and loom.events to read its event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the event forwarder and the stdio transport, blocking until
// ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
		if err := notifier.Start(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow to execute")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("loom.resume",
		mcp.WithDescription("Resume a run from a saved checkpoint"),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("ID of the checkpoint to resume from")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get the current state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("loom.events",
		mcp.WithDescription("Read the event log of a run, optionally following new events as notifications"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to read events for")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (since, event_type, step_name, limit, follow)")),
	)
}
