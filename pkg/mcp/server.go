package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gyreflow/gyre/internal/engine"
	"github.com/gyreflow/gyre/internal/scheduler"
	"github.com/gyreflow/gyre/internal/store"
)

// GyreServerDeps holds the dependencies for creating a GyreServer.
type GyreServerDeps struct {
	Runner    *engine.Runner
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// GyreServer wraps an MCP server with gyre-specific tool handlers.
type GyreServer struct {
	runner    *engine.Runner
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGyreServer creates a GyreServer with all tools registered.
func NewGyreServer(deps GyreServerDeps) *GyreServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GyreServer{
		runner:    deps.Runner,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"gyre",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gyre is a cyclic dataflow execution engine. Use gyre.run to execute a workflow definition (edges flagged is_cycle close feedback loops with a convergence condition), gyre.status to check a run, gyre.trace to inspect per-iteration cycle traces, gyre.cancel to abort a run, and gyre.schedule to register a cron-triggered workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *GyreServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GyreServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GyreServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("gyre.run",
		mcp.WithDescription("Execute a workflow definition. Returns the run result, or a run ID when async"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (nodes, edges, cycles)")),
		mcp.WithObject("params", mcp.Description("Initial parameters keyed by node ID, e.g. {\"inc\": {\"count\": 0}}")),
		mcp.WithString("name", mcp.Description("Human-readable run name")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the run ID instead of waiting")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("gyre.status",
		mcp.WithDescription("Get the status, outputs and event log position of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("events", mcp.Description("Include the run's event log")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("gyre.trace",
		mcp.WithDescription("Inspect per-iteration traces of a run's cycles: inputs, checker outputs and durations"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithString("cycle_id", mcp.Description("Restrict to one cycle group")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("gyre.cancel",
		mcp.WithDescription("Cancel an active run, preserving outputs produced so far"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("gyre.schedule",
		mcp.WithDescription("Register a cron-triggered workflow schedule"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name for the scheduled workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression, e.g. \"0 * * * *\"")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithObject("params", mcp.Description("Initial parameters keyed by node ID")),
	)
}
