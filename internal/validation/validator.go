package validation

import "github.com/rendis/autoflow/pkg/schema"

// Validator checks workflow definitions before they are stored.
// Uses JSON Schema Draft 2020-12 for the structural stage.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateActionConfig(kind schema.ActionKind, config map[string]any) error
}

// ConditionChecker validates a condition tree without evaluating it.
// Satisfied by *conditions.Evaluator.
type ConditionChecker interface {
	Check(cond *schema.Condition) error
}
