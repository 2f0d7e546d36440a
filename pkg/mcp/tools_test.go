package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- Mock Service ---

type mockService struct {
	Service // embed for unimplemented methods

	triggerIDs []string
	triggerErr error
	triggered  []triggerCall

	sweptAt     time.Time
	sweepResult engine.SweepResult

	report    *engine.ExecutionReport
	statusErr error

	cancelled map[string]string

	defined   *schema.WorkflowDefinition
	defineErr error

	execFilter store.ExecutionFilter
	defFilter  store.DefinitionFilter
	events     []*store.Event
	eventsFor  string
	since      int64
}

type triggerCall struct {
	tenantID    string
	triggerType schema.TriggerType
	payload     map[string]any
}

func (m *mockService) TriggerWorkflow(_ context.Context, tenantID string, tt schema.TriggerType, payload map[string]any) ([]string, error) {
	m.triggered = append(m.triggered, triggerCall{tenantID, tt, payload})
	return m.triggerIDs, m.triggerErr
}

func (m *mockService) Sweep(_ context.Context, now time.Time) (engine.SweepResult, error) {
	m.sweptAt = now
	return m.sweepResult, nil
}

func (m *mockService) Status(_ context.Context, id string) (*engine.ExecutionReport, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.report, nil
}

func (m *mockService) Cancel(_ context.Context, id, reason string) (*store.Execution, error) {
	if m.cancelled == nil {
		m.cancelled = map[string]string{}
	}
	m.cancelled[id] = reason
	return &store.Execution{ID: id, Status: schema.ExecutionCancelled}, nil
}

func (m *mockService) DefineWorkflow(_ context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if m.defineErr != nil {
		return nil, m.defineErr
	}
	m.defined = def
	out := *def
	out.ID = "wf-1"
	return &out, nil
}

func (m *mockService) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	m.execFilter = f
	return []*store.Execution{{ID: "ex-1", Status: schema.ExecutionRunning}}, nil
}

func (m *mockService) Events(_ context.Context, id string, since int64) ([]*store.Event, error) {
	m.eventsFor, m.since = id, since
	return m.events, nil
}

func (m *mockService) ListWorkflows(_ context.Context, f store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.defFilter = f
	return nil, nil
}

// --- Helpers ---

var fixedNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestServer(svc Service) *AutoflowServer {
	return NewAutoflowServer(AutoflowServerDeps{
		Service: svc,
		Now:     func() time.Time { return fixedNow },
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

// --- Tests ---

func TestTriggerTool(t *testing.T) {
	svc := &mockService{triggerIDs: []string{"ex-1", "ex-2"}}
	s := newTestServer(svc)

	result, err := s.handleTrigger(context.Background(), buildRequest("autoflow.trigger", map[string]any{
		"tenant_id":    "acme",
		"trigger_type": "deal_created",
		"payload":      map[string]any{"amount": 500},
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, []any{"ex-1", "ex-2"}, out["execution_ids"])

	require.Len(t, svc.triggered, 1)
	assert.Equal(t, "acme", svc.triggered[0].tenantID)
	assert.Equal(t, schema.TriggerDealCreated, svc.triggered[0].triggerType)
	assert.Equal(t, float64(500), svc.triggered[0].payload["amount"])
}

func TestTriggerTool_EmptyPayload(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(svc)

	result, err := s.handleTrigger(context.Background(), buildRequest("autoflow.trigger", map[string]any{
		"tenant_id": "acme", "trigger_type": "contact_created",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, svc.triggered, 1)
	assert.NotNil(t, svc.triggered[0].payload)
}

func TestTriggerTool_Errors(t *testing.T) {
	s := newTestServer(&mockService{triggerErr: schema.NewError(schema.ErrCodeValidation, "unknown trigger type")})

	result, err := s.handleTrigger(context.Background(), buildRequest("autoflow.trigger", map[string]any{"tenant_id": "acme"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleTrigger(context.Background(), buildRequest("autoflow.trigger", map[string]any{
		"tenant_id": "acme", "trigger_type": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "VALIDATION_ERROR")
}

func TestTriggerTool_PartialFailure(t *testing.T) {
	s := newTestServer(&mockService{
		triggerIDs: []string{"ex-1"},
		triggerErr: schema.PersistenceError("start execution", assert.AnError),
	})

	result, err := s.handleTrigger(context.Background(), buildRequest("autoflow.trigger", map[string]any{
		"tenant_id": "acme", "trigger_type": "contact_created",
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, []any{"ex-1"}, out["execution_ids"])
	assert.Contains(t, out["error"], "STORE_ERROR")
}

func TestSweepTool(t *testing.T) {
	svc := &mockService{sweepResult: engine.SweepResult{Due: 3, Claimed: 3, Completed: 2, Failed: 1}}
	s := newTestServer(svc)

	result, err := s.handleSweep(context.Background(), buildRequest("autoflow.sweep", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, float64(2), out["completed"])
	assert.Equal(t, fixedNow, svc.sweptAt)

	at := fixedNow.Add(2 * time.Hour)
	_, err = s.handleSweep(context.Background(), buildRequest("autoflow.sweep", map[string]any{"now": at.Format(time.RFC3339)}))
	require.NoError(t, err)
	assert.Equal(t, at, svc.sweptAt)

	result, err = s.handleSweep(context.Background(), buildRequest("autoflow.sweep", map[string]any{"now": "tomorrow"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	svc := &mockService{report: &engine.ExecutionReport{
		Execution: &store.Execution{ID: "ex-1", Status: schema.ExecutionRunning},
		Steps:     []*store.StepExecution{{ID: "st-1", StepOrder: 1, Status: schema.StepCompleted}},
	}}
	s := newTestServer(svc)

	result, err := s.handleStatus(context.Background(), buildRequest("autoflow.status", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	exec, _ := out["execution"].(map[string]any)
	assert.Equal(t, "running", exec["status"])
	assert.Len(t, out["steps"], 1)
}

func TestStatusTool_Errors(t *testing.T) {
	s := newTestServer(&mockService{statusErr: schema.NewError(schema.ErrCodeNotFound, "execution not found")})

	result, err := s.handleStatus(context.Background(), buildRequest("autoflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("autoflow.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "NOT_FOUND")
}

func TestCancelTool(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(svc)

	result, err := s.handleCancel(context.Background(), buildRequest("autoflow.cancel", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, "cancelled", out["status"])
	assert.Equal(t, "cancelled via mcp", svc.cancelled["ex-1"])

	_, err = s.handleCancel(context.Background(), buildRequest("autoflow.cancel", map[string]any{
		"execution_id": "ex-2", "reason": "customer unsubscribed",
	}))
	require.NoError(t, err)
	assert.Equal(t, "customer unsubscribed", svc.cancelled["ex-2"])
}

func TestDefineTool(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(svc)

	result, err := s.handleDefine(context.Background(), buildRequest("autoflow.define", map[string]any{
		"definition": map[string]any{
			"tenant_id":    "acme",
			"name":         "nurture",
			"trigger_type": "contact_created",
			"active":       true,
			"steps": []any{
				map[string]any{"order": 1, "action_kind": "send_email", "action_config": map[string]any{"to": "{{email}}"}},
				map[string]any{"order": 2, "action_kind": "wait", "delay_minutes": 1440},
			},
		},
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, "wf-1", out["id"])

	require.NotNil(t, svc.defined)
	assert.Equal(t, schema.TriggerContactCreated, svc.defined.TriggerType)
	require.Len(t, svc.defined.Steps, 2)
	assert.Equal(t, 1440, svc.defined.Steps[1].DelayMinutes)
}

func TestDefineTool_Errors(t *testing.T) {
	s := newTestServer(&mockService{defineErr: schema.NewError(schema.ErrCodeValidation, "name is required")})

	result, err := s.handleDefine(context.Background(), buildRequest("autoflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDefine(context.Background(), buildRequest("autoflow.define", map[string]any{
		"definition": map[string]any{"steps": "not a list"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid definition")

	result, err = s.handleDefine(context.Background(), buildRequest("autoflow.define", map[string]any{
		"definition": map[string]any{"tenant_id": "acme"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "name is required")
}

func TestQueryExecutions(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(svc)

	result, err := s.handleQuery(context.Background(), buildRequest("autoflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"tenant_id": "acme", "status": "running", "limit": float64(5)},
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Len(t, out["executions"], 1)

	assert.Equal(t, "acme", svc.execFilter.TenantID)
	require.NotNil(t, svc.execFilter.Status)
	assert.Equal(t, schema.ExecutionRunning, *svc.execFilter.Status)
	assert.Equal(t, 5, svc.execFilter.Limit)
}

func TestQueryEvents(t *testing.T) {
	svc := &mockService{events: []*store.Event{{ExecutionID: "ex-1", Type: schema.EventStepStarted, Sequence: 4}}}
	s := newTestServer(svc)

	result, err := s.handleQuery(context.Background(), buildRequest("autoflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "ex-1", "since": "3"},
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Len(t, out["events"], 1)
	assert.Equal(t, "ex-1", svc.eventsFor)
	assert.Equal(t, int64(3), svc.since)

	result, err = s.handleQuery(context.Background(), buildRequest("autoflow.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "execution_id is required")
}

func TestQueryWorkflows(t *testing.T) {
	svc := &mockService{}
	s := newTestServer(svc)

	result, err := s.handleQuery(context.Background(), buildRequest("autoflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"tenant_id": "acme", "active_only": true},
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, []any{}, out["workflows"])
	assert.True(t, svc.defFilter.ActiveOnly)
	assert.True(t, svc.defFilter.WithSteps)
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(&mockService{})
	result, err := s.handleQuery(context.Background(), buildRequest("autoflow.query", map[string]any{"resource": "templates"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x", "e": true}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(f, "e", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}
