package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleTrigger submits an event to the matcher.
func (s *AutoflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	triggerType, err := req.RequireString("trigger_type")
	if err != nil {
		return mcp.NewToolResultError("trigger_type is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		payload = map[string]any{}
	}

	ids, trigErr := s.svc.TriggerWorkflow(ctx, tenantID, schema.TriggerType(triggerType), payload)
	if trigErr != nil && len(ids) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", trigErr)), nil
	}

	out := map[string]any{"execution_ids": ids}
	if trigErr != nil {
		out["error"] = trigErr.Error()
	}
	return marshalResult(out)
}

// handleSweep runs due steps.
func (s *AutoflowServer) handleSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	now := s.now()
	if raw := req.GetString("now", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("now must be RFC3339: %v", err)), nil
		}
		now = t.UTC()
	}

	result, err := s.svc.Sweep(ctx, now)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleStatus returns an execution and its step runs.
func (s *AutoflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	report, statusErr := s.svc.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleCancel cancels an execution.
func (s *AutoflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	exec, cancelErr := s.svc.Cancel(ctx, executionID, reason)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(exec)
}

// handleDefine registers a workflow definition.
func (s *AutoflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	stored, defErr := s.svc.DefineWorkflow(ctx, &def)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defErr)), nil
	}
	s.logger.Info("workflow defined via mcp",
		"workflow_id", stored.ID, "tenant_id", stored.TenantID)
	return marshalResult(stored)
}

// handleQuery lists executions, events, or workflows.
func (s *AutoflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q: use executions, events, or workflows", resource)), nil
	}
}

func (s *AutoflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ExecutionFilter{
		TenantID:   extractString(filter, "tenant_id"),
		WorkflowID: extractString(filter, "workflow_id"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.ExecutionStatus(status)
		f.Status = &st
	}

	execs, err := s.svc.ListExecutions(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query executions failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *AutoflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	if executionID == "" {
		return mcp.NewToolResultError("filter.execution_id is required for events"), nil
	}

	events, err := s.svc.Events(ctx, executionID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query events failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *AutoflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	active, _ := filter["active_only"].(bool)
	defs, err := s.svc.ListWorkflows(ctx, store.DefinitionFilter{
		TenantID:    extractString(filter, "tenant_id"),
		TriggerType: schema.TriggerType(extractString(filter, "trigger_type")),
		ActiveOnly:  active,
		WithSteps:   true,
		Limit:       extractInt(filter, "limit", 50),
		Offset:      extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query workflows failed: %v", err)), nil
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return marshalResult(map[string]any{"workflows": defs})
}

// --- Helpers ---

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
