// Package triggers selects the workflow definitions an incoming business
// event should start.
package triggers

import (
	"context"
	"log/slog"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Reserved trigger_config keys for change triggers. They describe the
// from/to comparison and are not part of the equality filter.
const (
	keyFrom         = "from"
	keyTo           = "to"
	keyOperator     = "operator"
	keyFromOperator = "from_operator"
	keyToOperator   = "to_operator"
)

var reservedChangeKeys = map[string]bool{
	keyFrom: true, keyTo: true, keyOperator: true, keyFromOperator: true, keyToOperator: true,
}

// Matcher decides which workflow definitions apply to an event.
type Matcher struct {
	conditions *conditions.Evaluator
	logger     *slog.Logger
}

// NewMatcher creates a Matcher. A nil evaluator disables condition trees.
func NewMatcher(ev *conditions.Evaluator, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{conditions: ev, logger: logger}
}

// Match returns the definitions that should run for the event, in input
// order. Candidates of another trigger type, inactive or soft-deleted ones
// are dropped. A malformed definition is logged and treated as no match.
func (m *Matcher) Match(ctx context.Context, triggerType schema.TriggerType, payload map[string]any, defs []*schema.WorkflowDefinition) []*schema.WorkflowDefinition {
	var matched []*schema.WorkflowDefinition
	for _, def := range defs {
		if def == nil || def.TriggerType != triggerType || !def.Active || def.Deleted {
			continue
		}
		ok, err := m.matchOne(ctx, def, payload)
		if err != nil {
			m.logger.WarnContext(ctx, "trigger match error, skipping workflow",
				slog.String("workflow_id", def.ID),
				slog.String("trigger_type", string(triggerType)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			matched = append(matched, def)
		}
	}
	return matched
}

// MatchOne evaluates a single definition and surfaces a MatchError instead
// of logging it.
func (m *Matcher) MatchOne(ctx context.Context, def *schema.WorkflowDefinition, payload map[string]any) (bool, error) {
	return m.matchOne(ctx, def, payload)
}

func (m *Matcher) matchOne(ctx context.Context, def *schema.WorkflowDefinition, payload map[string]any) (bool, error) {
	change := def.TriggerType.IsChangeTrigger()

	for key, want := range def.TriggerConfig {
		if change && reservedChangeKeys[key] {
			continue
		}
		got, ok := payload[key]
		if !ok || !conditions.Equal(got, want) {
			return false, nil
		}
	}

	if change {
		ok, err := matchChange(def, payload)
		if err != nil || !ok {
			return false, err
		}
	}

	if def.Conditions != nil {
		if m.conditions == nil {
			return false, schema.MatchError(def.ID, "workflow %s has conditions but no evaluator is configured", def.ID)
		}
		vars := expressions.BuildVars(payload, nil, nil)
		ok, err := m.conditions.Evaluate(ctx, def.Conditions, vars)
		if err != nil {
			return false, schema.MatchError(def.ID, "workflow %s: %s", def.ID, err.Error()).WithCause(err)
		}
		return ok, nil
	}
	return true, nil
}

// matchChange applies the from/to comparison of a change trigger. An event
// whose previous and current values are equal never matches.
func matchChange(def *schema.WorkflowDefinition, payload map[string]any) (bool, error) {
	previous, current := changeValues(def.TriggerType, payload)
	if conditions.Equal(previous, current) {
		return false, nil
	}

	cfg := def.TriggerConfig
	defaultOp, err := operatorAt(def, keyOperator, conditions.OpEquals)
	if err != nil {
		return false, err
	}

	if want, ok := cfg[keyFrom]; ok {
		op, err := operatorAt(def, keyFromOperator, defaultOp)
		if err != nil {
			return false, err
		}
		hit, err := compareChange(def, op, previous, want)
		if err != nil || !hit {
			return false, err
		}
	}
	if want, ok := cfg[keyTo]; ok {
		op, err := operatorAt(def, keyToOperator, defaultOp)
		if err != nil {
			return false, err
		}
		hit, err := compareChange(def, op, current, want)
		if err != nil || !hit {
			return false, err
		}
	}
	return true, nil
}

func changeValues(t schema.TriggerType, payload map[string]any) (previous, current any) {
	previous, current = payload["previous_value"], payload["current_value"]
	if t == schema.TriggerStageChanged {
		if v, ok := payload["previous_stage"]; ok {
			previous = v
		}
		if v, ok := payload["current_stage"]; ok {
			current = v
		}
	}
	return previous, current
}

func operatorAt(def *schema.WorkflowDefinition, key, fallback string) (string, error) {
	raw, ok := def.TriggerConfig[key]
	if !ok {
		return fallback, nil
	}
	op, isStr := raw.(string)
	if !isStr {
		return "", schema.MatchError(def.ID, "workflow %s: %s must be a string, got %T", def.ID, key, raw)
	}
	for _, allowed := range conditions.ChangeOperators {
		if op == allowed {
			return op, nil
		}
	}
	return "", schema.MatchError(def.ID, "workflow %s: unsupported change operator %q", def.ID, op)
}

func compareChange(def *schema.WorkflowDefinition, op string, actual, want any) (bool, error) {
	hit, err := conditions.Compare(op, actual, actual != nil, want)
	if err != nil {
		return false, schema.MatchError(def.ID, "workflow %s: %s", def.ID, err.Error()).WithCause(err)
	}
	return hit, nil
}
