package conditions

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Evaluator evaluates condition trees against a variable context.
// It is safe for concurrent use.
type Evaluator struct {
	engines map[string]expressions.Engine
	def     string
}

// NewEvaluator creates an Evaluator with the given expression engines. The
// first engine is the default for expression leaves that name none.
func NewEvaluator(engines ...expressions.Engine) *Evaluator {
	e := &Evaluator{engines: make(map[string]expressions.Engine, len(engines))}
	for i, eng := range engines {
		if i == 0 {
			e.def = eng.Name()
		}
		e.engines[eng.Name()] = eng
	}
	return e
}

// NewDefaultEvaluator wires the CEL and Expr engines, CEL first.
func NewDefaultEvaluator() (*Evaluator, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEvaluator(celEngine, expressions.NewExprEngine()), nil
}

// Evaluate returns whether cond holds. A nil condition holds. Malformed
// trees (unknown operator, unknown engine, non-boolean expression) are
// returned as validation errors.
func (e *Evaluator) Evaluate(ctx context.Context, cond *schema.Condition, vars expressions.Vars) (bool, error) {
	if cond == nil {
		return true, nil
	}
	return e.eval(ctx, *cond, vars, "$")
}

func (e *Evaluator) eval(ctx context.Context, c schema.Condition, vars expressions.Vars, at string) (bool, error) {
	switch {
	case len(c.All) > 0:
		for i, child := range c.All {
			ok, err := e.eval(ctx, child, vars, fmt.Sprintf("%s.all[%d]", at, i))
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case len(c.Any) > 0:
		for i, child := range c.Any {
			ok, err := e.eval(ctx, child, vars, fmt.Sprintf("%s.any[%d]", at, i))
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := e.eval(ctx, *c.Not, vars, at+".not")
		if err != nil {
			return false, err
		}
		return !ok, nil

	case c.Expression != "":
		return e.evalExpression(ctx, c, vars, at)

	case c.Field != "":
		return e.evalLeaf(c, vars, at)

	default:
		return false, conditionErr(at, "empty condition node")
	}
}

func (e *Evaluator) evalLeaf(c schema.Condition, vars expressions.Vars, at string) (bool, error) {
	op := c.Operator
	if op == "" {
		op = OpEquals
	}
	actual, found := vars.Lookup(c.Field)
	operand := expressions.Interpolate(c.Value, vars)

	ok, err := Compare(op, actual, found, operand)
	if err != nil {
		return false, conditionErr(at, err.Error()).WithCause(err)
	}
	return ok, nil
}

func (e *Evaluator) evalExpression(ctx context.Context, c schema.Condition, vars expressions.Vars, at string) (bool, error) {
	name := c.Engine
	if name == "" {
		name = e.def
	}
	eng, ok := e.engines[name]
	if !ok {
		return false, conditionErr(at, fmt.Sprintf("unknown expression engine %q", name))
	}

	out, err := eng.Evaluate(ctx, c.Expression, map[string]any(vars))
	if err != nil {
		return false, conditionErr(at, err.Error()).WithCause(err)
	}
	b, isBool := out.(bool)
	if !isBool {
		return false, conditionErr(at, fmt.Sprintf("expression %q returned %T, want bool", c.Expression, out))
	}
	return b, nil
}

func conditionErr(at, msg string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "condition %s: %s", at, msg).
		WithDetails(map[string]any{"path": at})
}

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true, OpIn: true, OpNotIn: true,
	OpIsEmpty: true, OpIsNotEmpty: true, OpExists: true,
}

// Check validates a condition tree without evaluating it. Expression
// leaves are compiled when their engine supports it.
func (e *Evaluator) Check(cond *schema.Condition) error {
	if cond == nil {
		return nil
	}
	return e.check(*cond, "$")
}

func (e *Evaluator) check(c schema.Condition, at string) error {
	switch {
	case len(c.All) > 0:
		for i, child := range c.All {
			if err := e.check(child, fmt.Sprintf("%s.all[%d]", at, i)); err != nil {
				return err
			}
		}
	case len(c.Any) > 0:
		for i, child := range c.Any {
			if err := e.check(child, fmt.Sprintf("%s.any[%d]", at, i)); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return e.check(*c.Not, at+".not")
	case c.Expression != "":
		name := c.Engine
		if name == "" {
			name = e.def
		}
		eng, ok := e.engines[name]
		if !ok {
			return conditionErr(at, fmt.Sprintf("unknown expression engine %q", name))
		}
		if compiler, ok := eng.(expressions.Compiler); ok {
			if err := compiler.Compile(c.Expression); err != nil {
				msg := err.Error()
				var fe *schema.FlowError
				if errors.As(err, &fe) {
					msg = fe.Message
				}
				return conditionErr(at, msg)
			}
		}
	case c.Field != "":
		if c.Operator != "" && !knownOperators[c.Operator] {
			return conditionErr(at, fmt.Sprintf("unknown operator %q", c.Operator))
		}
	default:
		return conditionErr(at, "empty condition node")
	}
	return nil
}
