package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Service is the engine surface exposed as tools. Satisfied by *engine.Engine.
type Service interface {
	TriggerWorkflow(ctx context.Context, tenantID string, triggerType schema.TriggerType, payload map[string]any) ([]string, error)
	Sweep(ctx context.Context, now time.Time) (engine.SweepResult, error)
	Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*engine.ExecutionReport, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
	DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// AutoflowServerDeps holds the dependencies for creating an AutoflowServer.
type AutoflowServerDeps struct {
	Service Service
	Version string
	Now     func() time.Time
	Logger  *slog.Logger
}

// AutoflowServer wraps an MCP server with autoflow tool handlers.
type AutoflowServer struct {
	svc       Service
	now       func() time.Time
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAutoflowServer creates a new AutoflowServer with all tools registered.
func NewAutoflowServer(deps AutoflowServerDeps) *AutoflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &AutoflowServer{
		svc:    deps.Service,
		now:    now,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"autoflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Autoflow runs tenant-defined business automations. Use autoflow.define to register a workflow, autoflow.trigger to submit a business event, autoflow.sweep to run due steps, autoflow.status and autoflow.query to inspect executions, and autoflow.cancel to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutoflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutoflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AutoflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: sweepTool(), Handler: s.handleSweep},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func triggerTypeNames() []string {
	out := make([]string, len(schema.TriggerTypes))
	for i, tt := range schema.TriggerTypes {
		out[i] = string(tt)
	}
	return out
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("autoflow.trigger",
		mcp.WithDescription("Submit a business event and start every matching workflow"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant the event belongs to")),
		mcp.WithString("trigger_type", mcp.Required(),
			mcp.Enum(triggerTypeNames()...),
			mcp.Description("Kind of business event"),
		),
		mcp.WithObject("payload", mcp.Description("Event data, e.g. entity_type, entity_id and record fields")),
	)
}

func sweepTool() mcp.Tool {
	return mcp.NewTool("autoflow.sweep",
		mcp.WithDescription("Run every step that is due"),
		mcp.WithString("now", mcp.Description("RFC3339 instant to sweep as of (default: current time)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("autoflow.status",
		mcp.WithDescription("Get an execution with its step runs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("autoflow.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is cancelled")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("autoflow.define",
		mcp.WithDescription("Register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(),
			mcp.Description("Workflow definition: tenant_id, name, trigger_type, trigger_config, conditions, active, steps")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("autoflow.query",
		mcp.WithDescription("Query executions, events, or workflows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "workflows"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (tenant_id, workflow_id, execution_id, status, trigger_type, active_only, since, limit, offset)")),
	)
}
