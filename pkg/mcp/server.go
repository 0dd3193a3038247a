package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recoilhq/recoil/internal/approval"
	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/engine"
	"github.com/recoilhq/recoil/internal/undo"
)

// RecoilServerDeps holds the dependencies for creating a RecoilServer.
type RecoilServerDeps struct {
	Orchestrator *engine.Orchestrator
	Engine       *engine.Engine
	Registry     *capability.Registry
	Gate         *approval.Gate
	Ledger       *undo.Ledger
	Logger       *slog.Logger
}

// RecoilServer wraps an MCP server with recoil-specific tool handlers.
type RecoilServer struct {
	orchestrator *engine.Orchestrator
	engine       *engine.Engine
	registry     *capability.Registry
	gate         *approval.Gate
	ledger       *undo.Ledger
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewRecoilServer creates a new RecoilServer with all tools registered.
func NewRecoilServer(deps RecoilServerDeps) *RecoilServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RecoilServer{
		orchestrator: deps.Orchestrator,
		engine:       deps.Engine,
		registry:     deps.Registry,
		gate:         deps.Gate,
		ledger:       deps.Ledger,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"recoil",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Recoil is a transactional workflow control plane. Use workflow.run to execute multi-step plans with automatic rollback on failure, workflow.status to inspect progress, workflow.approve to decide pending approvals, workflow.cancel to roll back a running plan, capability.invoke for single operations, undo.last to reverse recent operations, and undo.history to inspect the undo stack."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RecoilServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RecoilServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *RecoilServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: invokeTool(), Handler: s.handleInvoke},
		{Tool: capabilitiesTool(), Handler: s.handleCapabilities},
		{Tool: undoLastTool(), Handler: s.handleUndoLast},
		{Tool: undoHistoryTool(), Handler: s.handleUndoHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Submit and execute a workflow spec with saga semantics: on any step failure, completed steps are compensated in reverse order"),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("Workflow spec: name, steps (each with name, capability, inputs, depends_on, optional compensation/condition), inputs")),
		mcp.WithString("actor_id", mcp.Description("ID of the submitting agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get workflow execution status including step states, compensations, and approvals"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("workflow.approve",
		mcp.WithDescription("Decide a pending approval request; rejection rolls the workflow back"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the pending approval")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("decider", mcp.Required(), mcp.Description("Identity of the decider")),
		mcp.WithString("rationale", mcp.Description("Reason for the decision")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Re-attach to a non-terminal workflow (e.g. after a restart) and drive it forward"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a workflow; completed steps are compensated in reverse order"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func invokeTool() mcp.Tool {
	return mcp.NewTool("capability.invoke",
		mcp.WithDescription("Invoke a single capability directly. High-risk capabilities return confirmation_required on the first call; re-invoke with confirmed=true to proceed"),
		mcp.WithString("capability", mcp.Required(), mcp.Description("Capability name, e.g. fs.write")),
		mcp.WithObject("inputs", mcp.Description("Capability inputs")),
		mcp.WithBoolean("confirmed", mcp.Description("Set true on the second call of a two-phase confirmation")),
		mcp.WithString("actor_id", mcp.Description("ID of the invoking agent")),
	)
}

func capabilitiesTool() mcp.Tool {
	return mcp.NewTool("capability.list",
		mcp.WithDescription("List registered capabilities with their risk posture and reversibility"),
	)
}

func undoLastTool() mcp.Tool {
	return mcp.NewTool("undo.last",
		mcp.WithDescription("Reverse the most recent operations on the undo stack in LIFO order"),
		mcp.WithNumber("count", mcp.Description("How many operations to undo (default 1)")),
	)
}

func undoHistoryTool() mcp.Tool {
	return mcp.NewTool("undo.history",
		mcp.WithDescription("Inspect the undo stack without reversing anything, newest first"),
		mcp.WithNumber("count", mcp.Description("How many records to return (default 10)")),
	)
}
