// Package mcpserver exposes workflow runs as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/petrijr/stepflow/pkg/api"
)

// Server wraps an MCP server whose tools call the run engine.
type Server struct {
	mcpServer *server.MCPServer
	engine    api.Engine
}

// New creates the MCP server and registers its tools.
func New(engine api.Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"stepflow",
			version,
			server.WithToolCapabilities(true),
		),
		engine: engine,
	}
	s.registerTools()
	return s
}

func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves the tools over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Run a stored workflow to completion and return its run record"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
			mcp.WithObject("trigger", mcp.Description("Trigger payload available to steps as {{trigger}}")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run",
			mcp.WithDescription("Fetch a run record by id"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	trigger := api.Object()
	if raw, ok := request.GetArguments()["trigger"]; ok && raw != nil {
		trigger, err = api.FromAny(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid trigger: %v", err)), nil
		}
	}

	run, err := s.engine.Execute(ctx, api.RunRequest{
		WorkflowID:  workflowID,
		TriggerType: api.TriggerManual,
		TriggerData: trigger,
	})
	if run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	return runResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := s.engine.GetRun(ctx, runID)
	if errors.Is(err, api.ErrRunNotFound) {
		return mcp.NewToolResultError("Run not found: " + runID), nil
	}
	if err != nil {
		return nil, err
	}
	return runResult(run)
}

// runResult returns the run record as JSON text. A failed run is still a
// successful tool call; the record carries the error.
func runResult(run *api.WorkflowRun) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
