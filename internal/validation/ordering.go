package validation

import (
	"fmt"

	"github.com/rendis/autoflow/pkg/schema"
)

// validateOrdering checks that step orders are positive and unique. Steps
// run strictly in ascending order, so a duplicate would make the next step
// ambiguous.
func validateOrdering(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byOrder := make(map[int]int, len(def.Steps))
	prev := 0
	sorted := true
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d].order", i)
		if step.Order < 1 {
			result.Errorf(path, schema.IssueRange, "order must be >= 1, got %d", step.Order)
			continue
		}
		if first, dup := byOrder[step.Order]; dup {
			result.Errorf(path, schema.IssueDuplicate, "duplicate order %d (also steps[%d])", step.Order, first)
			continue
		}
		byOrder[step.Order] = i
		if step.Order < prev {
			sorted = false
		}
		prev = step.Order
	}

	if !sorted {
		result.Warnf("steps", schema.IssueLiteral, "steps are listed out of order; they run by ascending order")
	}
	return result
}
