package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAutoflowServer(t *testing.T) {
	s := NewAutoflowServer(AutoflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.now)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewAutoflowServer(AutoflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{
		"autoflow.trigger",
		"autoflow.sweep",
		"autoflow.status",
		"autoflow.cancel",
		"autoflow.define",
		"autoflow.query",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
		required    []string
	}{
		{"autoflow.trigger", "Submit a business event and start every matching workflow", []string{"tenant_id", "trigger_type"}},
		{"autoflow.sweep", "Run every step that is due", nil},
		{"autoflow.status", "Get an execution with its step runs", []string{"execution_id"}},
		{"autoflow.cancel", "Cancel a pending or running execution", []string{"execution_id"}},
		{"autoflow.define", "Register a workflow definition", []string{"definition"}},
		{"autoflow.query", "Query executions, events, or workflows", []string{"resource"}},
	}

	s := NewAutoflowServer(AutoflowServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}

func TestTriggerTypeNames(t *testing.T) {
	names := triggerTypeNames()
	assert.Contains(t, names, "contact_created")
	assert.Contains(t, names, "stage_changed")
}
