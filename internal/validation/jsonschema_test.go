package validation

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		TenantID:      "acme",
		Name:          "welcome",
		TriggerType:   schema.TriggerContactCreated,
		TriggerConfig: map[string]any{"source": "web"},
		Active:        true,
		Steps: []schema.StepDefinition{
			{Order: 1, ActionKind: schema.ActionSendEmail, ActionConfig: map[string]any{
				"to": "{{contact.email}}", "subject": "Hi {{contact.first_name}}",
			}},
			{Order: 2, ActionKind: schema.ActionCreateTask, DelayMinutes: 1440, ActionConfig: map[string]any{
				"title": "Follow up", "due_in_days": 2,
			}},
		},
	}
}

func violations(t *testing.T, err error) []string {
	t.Helper()
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
	v, _ := flowErr.Details["violations"].([]string)
	return v
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newJSV(t)
	assert.NotNil(t, v.workflowSchema)
	for _, kind := range schema.ActionKinds {
		assert.Contains(t, v.actionSchemas, kind, "missing schema for %s", kind)
	}
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	err := newJSV(t).ValidateDefinition(nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "nil")
}

func TestValidateDefinition_Valid(t *testing.T) {
	assert.NoError(t, newJSV(t).ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_WithConditions(t *testing.T) {
	def := validDefinition()
	def.Conditions = &schema.Condition{All: []schema.Condition{
		{Field: "contact.source", Operator: "equals", Value: "web"},
		{Not: &schema.Condition{Expression: "trigger.amount > 10", Engine: "cel"}},
	}}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_NoStepsIsStructurallyValid(t *testing.T) {
	def := validDefinition()
	def.Steps = nil
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
		where  string
	}{
		{"missing tenant", func(d *schema.WorkflowDefinition) { d.TenantID = "" }, "/tenant_id"},
		{"missing name", func(d *schema.WorkflowDefinition) { d.Name = "" }, "/name"},
		{"unknown trigger", func(d *schema.WorkflowDefinition) { d.TriggerType = "record_exploded" }, "/trigger_type"},
		{"unknown action kind", func(d *schema.WorkflowDefinition) { d.Steps[0].ActionKind = "send_fax" }, "/steps/0/action_kind"},
		{"negative delay", func(d *schema.WorkflowDefinition) { d.Steps[1].DelayMinutes = -5 }, "/steps/1/delay_minutes"},
		{"zero order", func(d *schema.WorkflowDefinition) { d.Steps[0].Order = 0 }, "/steps/0/order"},
		{"nested trigger config", func(d *schema.WorkflowDefinition) {
			d.TriggerConfig = map[string]any{"contact": map[string]any{"source": "web"}}
		}, "/trigger_config/contact"},
		{"unknown condition engine", func(d *schema.WorkflowDefinition) {
			d.Conditions = &schema.Condition{Expression: "true", Engine: "lua"}
		}, "/conditions/engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := newJSV(t).ValidateDefinition(def)
			require.Error(t, err)
			v := violations(t, err)
			require.NotEmpty(t, v)
			found := false
			for _, msg := range v {
				if len(msg) >= len(tt.where) && msg[:len(tt.where)] == tt.where {
					found = true
				}
			}
			assert.True(t, found, "no violation at %s in %v", tt.where, v)
		})
	}
}

func TestValidateDefinition_MultipleViolations(t *testing.T) {
	def := validDefinition()
	def.TenantID = ""
	def.Steps[0].DelayMinutes = -1

	err := newJSV(t).ValidateDefinition(def)
	require.Error(t, err)
	assert.GreaterOrEqual(t, len(violations(t, err)), 2)
}

// --- ValidateActionConfig ---

func TestValidateActionConfig(t *testing.T) {
	tests := []struct {
		name  string
		kind  schema.ActionKind
		cfg   map[string]any
		valid bool
	}{
		{"email ok", schema.ActionSendEmail, map[string]any{"to": "{{contact.email}}", "cc": []any{"a@b.c"}}, true},
		{"email missing to", schema.ActionSendEmail, map[string]any{"subject": "x"}, false},
		{"email unknown field", schema.ActionSendEmail, map[string]any{"to": "a@b.c", "bcc": "x"}, false},
		{"sms requires body", schema.ActionSendSMS, map[string]any{"to": "+1"}, false},
		{"task templated days", schema.ActionCreateTask, map[string]any{"title": "t", "due_in_days": "{{sla}}"}, true},
		{"task bad days", schema.ActionCreateTask, map[string]any{"title": "t", "due_in_days": 1.5}, false},
		{"update field operator", schema.ActionUpdateField, map[string]any{"field": "score", "operator": "add", "value": 5}, true},
		{"update field bad operator", schema.ActionUpdateField, map[string]any{"field": "score", "operator": "multiply"}, false},
		{"stage with target", schema.ActionChangeStage, map[string]any{"stage": "won", "entity_type": "deal", "entity_id": "{{deal.id}}"}, true},
		{"assign requires user", schema.ActionAssignUser, map[string]any{}, false},
		{"tag single", schema.ActionAddTag, map[string]any{"tag": "vip"}, true},
		{"tag list", schema.ActionRemoveTag, map[string]any{"tags": []any{"a", "b"}}, true},
		{"tag missing", schema.ActionAddTag, map[string]any{}, false},
		{"webhook full", schema.ActionWebhook, map[string]any{
			"url": "https://hooks.example.com/x", "method": "put",
			"headers": map[string]any{"X-Source": "autoflow"},
			"auth":    map[string]any{"type": "bearer", "token": "{{secret}}"},
			"payload": map[string]any{"id": "{{entity_id}}"},
			"timeout": "10s", "response_path": ".data.id",
		}, true},
		{"webhook bad method", schema.ActionWebhook, map[string]any{"url": "https://x", "method": "TRACE"}, false},
		{"webhook bad auth", schema.ActionWebhook, map[string]any{"url": "https://x", "auth": map[string]any{"type": "oauth"}}, false},
		{"webhook bad timeout", schema.ActionWebhook, map[string]any{"url": "https://x", "timeout": "soon"}, false},
		{"wait empty", schema.ActionWait, nil, true},
		{"related", schema.ActionCreateRelatedRecord, map[string]any{"entity_type": "invoice", "fields": map[string]any{"total": 10}}, true},
		{"related missing type", schema.ActionCreateRelatedRecord, map[string]any{"fields": map[string]any{}}, false},
	}
	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateActionConfig(tt.kind, tt.cfg)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			}
		})
	}
}

func TestValidateActionConfig_UnknownKind(t *testing.T) {
	err := newJSV(t).ValidateActionConfig("send_fax", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_fax")
}

func TestJSONSchemaValidator_ConcurrentUse(t *testing.T) {
	v := newJSV(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateDefinition(validDefinition()))
			assert.NoError(t, v.ValidateActionConfig(schema.ActionWait, nil))
		}()
	}
	wg.Wait()
}
