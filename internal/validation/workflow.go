package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
// 1. Structural (JSON Schema of the definition)
// 2. Semantic (ids, ordering, trigger config, conditions)
// 3. Action configs (JSON Schema per action kind, jq response paths)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions ConditionChecker
	jq         *expressions.GoJQEngine
}

// NewWorkflowValidator creates a WorkflowValidator.
// checker may be nil to skip condition tree checks.
func NewWorkflowValidator(checker ConditionChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, conditions: checker, jq: expressions.NewGoJQEngine()}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.Errorf("/", schema.IssueSchema, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.conditions))
	result.Merge(validateOrdering(def))

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d].action_config", i)
		if err := wv.jsonSchema.ValidateActionConfig(step.ActionKind, step.ActionConfig); err != nil {
			addFlowError(result, path, schema.IssueActionConfig, err)
			continue
		}
		wv.checkResponsePath(result, path, step)
	}
	return result
}

// checkResponsePath compiles a webhook's literal response_path so a typo
// fails at definition time instead of on the first delivery.
func (wv *WorkflowValidator) checkResponsePath(result *schema.ValidationResult, path string, step schema.StepDefinition) {
	if step.ActionKind != schema.ActionWebhook {
		return
	}
	rp, ok := step.ActionConfig["response_path"].(string)
	if !ok || rp == "" || expressions.HasTokens(rp) {
		return
	}
	if err := wv.jq.Compile(rp); err != nil {
		addFlowError(result, path+".response_path", schema.IssueActionConfig, err)
	}
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateActionConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateActionConfig(kind schema.ActionKind, config map[string]any) error {
	return wv.jsonSchema.ValidateActionConfig(kind, config)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.ValidateDefinition(def); err != nil {
		addFlowError(result, "/", schema.IssueSchema, err)
	}
	return result
}

// addFlowError adds one issue per schema violation carried by err, or a
// single issue when it carries none.
func addFlowError(result *schema.ValidationResult, path, code string, err error) {
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		result.Errorf(path, code, "%s", err.Error())
		return
	}
	if violations, ok := flowErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.Errorf(path, code, "%s", v)
		}
		return
	}
	result.Errorf(path, code, "%s", flowErr.Message)
}
