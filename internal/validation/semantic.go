package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// maxDelayMinutes is one year; longer delays are accepted with a warning.
const maxDelayMinutes = 365 * 24 * 60

// changeOperatorKeys are the trigger_config keys that pick a comparison
// operator on field_changed / stage_changed triggers.
var changeOperatorKeys = []string{"operator", "from_operator", "to_operator"}

// validateSemantic checks what the structural schema cannot express:
// step ID uniqueness, change-trigger operators, condition trees and
// suspicious but legal configurations.
func validateSemantic(def *schema.WorkflowDefinition, checker ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.ID != "" {
			if first, dup := seen[step.ID]; dup {
				result.Errorf(path+".id", schema.IssueDuplicate, "duplicate step id %q (also steps[%d])", step.ID, first)
			} else {
				seen[step.ID] = i
			}
		}
		if step.DelayMinutes > maxDelayMinutes {
			result.Warnf(path+".delay_minutes", schema.IssueRange, "delay of %d minutes is longer than a year", step.DelayMinutes)
		}
	}

	if len(def.Steps) == 0 {
		result.Warnf("steps", schema.IssueNoop, "workflow has no steps; every execution completes immediately")
	}

	validateTriggerConfig(def, result)

	if def.Conditions != nil && checker != nil {
		if err := checker.Check(def.Conditions); err != nil {
			result.Errorf("conditions", schema.IssueCondition, "%s", err.Error())
		}
	}

	return result
}

func validateTriggerConfig(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for key, val := range def.TriggerConfig {
		if expressions.HasTokens(val) {
			result.Warnf("trigger_config."+key, schema.IssueLiteral, "trigger_config values are compared literally; {{ }} tokens are not interpolated")
		}
	}

	if !def.TriggerType.IsChangeTrigger() {
		for _, key := range append([]string{"from", "to"}, changeOperatorKeys...) {
			if _, ok := def.TriggerConfig[key]; ok {
				result.Warnf("trigger_config."+key, schema.IssueLiteral, "%q is only special on change triggers; here it must equal the payload value", key)
			}
		}
		return
	}

	for _, key := range changeOperatorKeys {
		raw, ok := def.TriggerConfig[key]
		if !ok {
			continue
		}
		op, isString := raw.(string)
		if !isString || !slices.Contains(conditions.ChangeOperators, op) {
			result.Errorf("trigger_config."+key, schema.IssueUnsupported, "unsupported change operator %v (want one of %v)", raw, conditions.ChangeOperators)
		}
	}
	_, hasFrom := def.TriggerConfig["from"]
	_, hasTo := def.TriggerConfig["to"]
	if !hasFrom && !hasTo {
		result.Warnf("trigger_config", schema.IssueNoop, "change trigger without from/to fires on every change")
	}
}
