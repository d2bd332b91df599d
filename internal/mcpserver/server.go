// Package mcpserver exposes the task operations as MCP tools so an agent
// can drive builds over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/example/design-assistant/internal/confirm"
	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/orchestrator"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tools holds the handlers. Each handler is a thin adapter over one
// Registry or Coordinator call.
type Tools struct {
	Registry *orchestrator.Registry
	Builds   *orchestrator.Coordinator
}

// New creates the MCP server with every task tool registered.
func New(t *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		"design-assistant",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.AddTool(startTaskDef(), t.StartTask)
	s.AddTool(confirmDef(), t.Confirm)
	s.AddTool(updateParametersDef(), t.UpdateParameters)
	s.AddTool(requestBuildDef(), t.RequestBuild)
	s.AddTool(requestFinishDef(), t.RequestFinish)
	s.AddTool(listUploadsDef(), t.ListUploads)
	s.AddTool(listOutputsDef(), t.ListOutputs)
	s.AddTool(renameTaskDef(), t.RenameTask)
	s.AddTool(closeTaskDef(), t.CloseTask)
	return s
}

// Serve runs the server over stdin/stdout until the client disconnects.
func Serve(t *Tools) error {
	return server.ServeStdio(New(t))
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func taskID(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := strings.TrimSpace(req.GetString("task_id", ""))
	if id == "" {
		return "", mcp.NewToolResultError("'task_id' is required")
	}
	return id, nil
}

func taskIDParam() mcp.ToolOption {
	return mcp.WithString("task_id", mcp.Required(), mcp.Description("Task identifier returned by start_task"))
}

// failure renders a core error as "<outcome>: <user message>".
func (t *Tools) failure(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", orchestrator.Outcome(err), orchestrator.UserMessage(err, t.Registry.Limiter().Ceiling())))
}

func jsonText(head string, v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	if head == "" {
		return mcp.NewToolResultText(string(b))
	}
	return mcp.NewToolResultText(head + "\n" + string(b))
}

func startTaskDef() mcp.Tool {
	kinds := make([]string, len(models.Kinds))
	for i, k := range models.Kinds {
		kinds[i] = string(k)
	}
	return mcp.NewTool("start_task",
		mcp.WithDescription("Create a task build awaiting confirmation. Call confirm with yes=true to start it."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Task kind: "+strings.Join(kinds, ", "))),
		mcp.WithString("panel_name", mcp.Description("Optional human label; a placeholder is generated if empty")),
	)
}

func (t *Tools) StartTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := models.TaskKind(strings.TrimSpace(req.GetString("kind", "")))
	task, err := t.Registry.Create(kind, req.GetString("panel_name", ""))
	if err != nil {
		return t.failure(err), nil
	}
	gate := confirm.StartRequest(task.ID, task.Kind)
	return mcp.NewToolResultText(fmt.Sprintf("task_id=%s\n%s", task.ID, gate.PromptText)), nil
}

func confirmDef() mcp.Tool {
	return mcp.NewTool("confirm",
		mcp.WithDescription("Answer a pending start or finish confirmation for a task."),
		taskIDParam(),
		mcp.WithBoolean("yes", mcp.Required(), mcp.Description("true to proceed, false to decline")),
		mcp.WithString("gate", mcp.Description("start (default) or finish")),
	)
}

func (t *Tools) Confirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	yes := boolArg(req, "yes", false)
	switch gate := req.GetString("gate", "start"); gate {
	case "start":
		if !yes {
			return mcp.NewToolResultText("Okay, not started."), nil
		}
		task, err := t.Registry.ConfirmStart(id)
		if err != nil {
			return t.failure(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Started %s '%s'.", task.Kind.Label(), task.PanelName)), nil
	case "finish":
		if err := t.Registry.ConfirmFinish(id, yes); err != nil {
			return t.failure(err), nil
		}
		if yes {
			return mcp.NewToolResultText("Task finished. Its uploads and outputs were deleted."), nil
		}
		return mcp.NewToolResultText("Okay, let's keep going."), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown gate %q: use start or finish", gate)), nil
	}
}

func updateParametersDef() mcp.Tool {
	return mcp.NewTool("update_parameters",
		mcp.WithDescription("Apply parameter updates to an active task. Later updated_at wins per key."),
		taskIDParam(),
		mcp.WithString("updates", mcp.Required(),
			mcp.Description(`JSON array of {"key","value","updated_at"?}, e.g. [{"key":"voltage","value":"480V"}]`)),
		mcp.WithString("source", mcp.Description("text (default), voice or extraction")),
	)
}

func (t *Tools) UpdateParameters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	var updates []models.ParameterUpdate
	if err := json.Unmarshal([]byte(req.GetString("updates", "")), &updates); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("'updates' must be a JSON array: %v", err)), nil
	}
	src := models.Source(req.GetString("source", string(models.SourceText)))
	changed, err := t.Registry.UpdateParameters(id, updates, src)
	if err != nil {
		return t.failure(err), nil
	}
	if len(changed) == 0 {
		return mcp.NewToolResultText("No values changed; newer values are already stored."), nil
	}
	return mcp.NewToolResultText("Updated: " + strings.Join(changed, ", ")), nil
}

func requestBuildDef() mcp.Tool {
	return mcp.NewTool("request_build",
		mcp.WithDescription("Validate the task's parameters and generate its artifacts. Advisory review failures never fail the build."),
		taskIDParam(),
	)
}

func (t *Tools) RequestBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	set, err := t.Builds.Build(ctx, id)
	if err != nil {
		return t.failure(err), nil
	}
	return jsonText(fmt.Sprintf("Build ready: %d file(s).", len(set.Primary)+len(set.Advisory)), set), nil
}

func requestFinishDef() mcp.Tool {
	return mcp.NewTool("request_finish",
		mcp.WithDescription("Ask to finish a task. Confirm with confirm gate=finish."),
		taskIDParam(),
	)
}

func (t *Tools) RequestFinish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	prompt, err := t.Registry.RequestFinish(id)
	if err != nil {
		return t.failure(err), nil
	}
	return mcp.NewToolResultText(prompt), nil
}

func listUploadsDef() mcp.Tool {
	return mcp.NewTool("list_uploads", mcp.WithDescription("List the files uploaded to a task."), taskIDParam())
}

func (t *Tools) ListUploads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	files, err := t.Registry.Uploads(id)
	if err != nil {
		return t.failure(err), nil
	}
	return jsonText("", files), nil
}

func listOutputsDef() mcp.Tool {
	return mcp.NewTool("list_outputs", mcp.WithDescription("List the artifacts produced for a task."), taskIDParam())
}

func (t *Tools) ListOutputs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	files, err := t.Registry.Outputs(id)
	if err != nil {
		return t.failure(err), nil
	}
	return jsonText("", files), nil
}

func renameTaskDef() mcp.Tool {
	return mcp.NewTool("rename_task",
		mcp.WithDescription("Change an active task's panel name. Names need not be unique."),
		taskIDParam(),
		mcp.WithString("panel_name", mcp.Required(), mcp.Description("New panel name")),
	)
}

func (t *Tools) RenameTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	task, err := t.Registry.Rename(id, req.GetString("panel_name", ""))
	if err != nil {
		return t.failure(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Renamed to '%s'.", task.PanelName)), nil
}

func closeTaskDef() mcp.Tool {
	return mcp.NewTool("close_task",
		mcp.WithDescription("Finish a task immediately without confirmation, deleting its files."),
		taskIDParam(),
	)
}

func (t *Tools) CloseTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := taskID(req)
	if bad != nil {
		return bad, nil
	}
	if err := t.Registry.ForceClose(id, "closed"); err != nil {
		return t.failure(err), nil
	}
	return mcp.NewToolResultText("Task closed."), nil
}
