package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/pkg/schema"
)

func newWorkflowValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	ev, err := conditions.NewDefaultEvaluator()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(ev)
	require.NoError(t, err)
	return wv
}

// --- Interface compliance ---

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
	var _ ConditionChecker = (*conditions.Evaluator)(nil)
}

// --- Full pipeline ---

func TestWorkflowValidator_FullValid(t *testing.T) {
	def := validDefinition()
	def.Conditions = &schema.Condition{Any: []schema.Condition{
		{Field: "contact.source", Operator: "in", Value: []any{"web", "ads"}},
		{Expression: "trigger.score > 50", Engine: "expr"},
	}}
	result := newWorkflowValidator(t).Validate(def)
	assert.True(t, result.Valid(), "%v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	result := newWorkflowValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	def := validDefinition()
	def.Name = ""
	def.Steps[0].ActionConfig = map[string]any{} // would fail the action stage too

	result := newWorkflowValidator(t).Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, "/", issue.Path, "only structural issues are reported")
	}
}

func TestWorkflowValidator_ActionConfigErrors(t *testing.T) {
	def := validDefinition()
	def.Steps[1].ActionConfig = map[string]any{"description": "no title"}

	result := newWorkflowValidator(t).Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].action_config", result.Errors[0].Path)
	assert.Equal(t, schema.IssueActionConfig, result.Errors[0].Code)
}

func TestWorkflowValidator_WebhookResponsePath(t *testing.T) {
	webhook := func(responsePath string) *schema.WorkflowDefinition {
		def := validDefinition()
		def.Steps[1] = schema.StepDefinition{
			Order:      2,
			ActionKind: schema.ActionWebhook,
			ActionConfig: map[string]any{
				"url": "https://hooks.example.com/deal", "method": "POST", "response_path": responsePath,
			},
		}
		return def
	}
	wv := newWorkflowValidator(t)

	assert.True(t, wv.Validate(webhook(".data.id")).Valid())
	assert.True(t, wv.Validate(webhook("{{trigger.path}}")).Valid(), "templated paths are checked at run time")

	result := wv.Validate(webhook(".data["))
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].action_config.response_path", result.Errors[0].Path)
	assert.Equal(t, schema.IssueActionConfig, result.Errors[0].Code)
}

func TestWorkflowValidator_BadConditionOperator(t *testing.T) {
	def := validDefinition()
	def.Conditions = &schema.Condition{Field: "contact.source", Operator: "resembles", Value: "web"}

	result := newWorkflowValidator(t).Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "conditions", result.Errors[0].Path)
}

func TestWorkflowValidator_DuplicateOrder(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Order = 1

	err := newWorkflowValidator(t).ValidateDefinition(def)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
	assert.Contains(t, flowErr.Message, "duplicate order")
	assert.Equal(t, 1, flowErr.Details["error_count"])
}

func TestWorkflowValidator_WarningsDoNotFail(t *testing.T) {
	def := validDefinition()
	def.Steps = nil
	assert.NoError(t, newWorkflowValidator(t).ValidateDefinition(def))
}

func TestWorkflowValidator_ValidateActionConfigDelegates(t *testing.T) {
	wv := newWorkflowValidator(t)
	assert.NoError(t, wv.ValidateActionConfig(schema.ActionAddTag, map[string]any{"tag": "vip"}))
	assert.Error(t, wv.ValidateActionConfig(schema.ActionAddTag, map[string]any{}))
}
