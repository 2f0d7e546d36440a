package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCostLimit caps the runtime cost of one condition. Conditions run
// inside trigger matching, so a runaway comprehension must not stall it.
const celCostLimit = 100_000

// CEL conditions see four map variables: trigger (the event snapshot),
// steps (outputs by order), previous (the last output) and vars (the
// whole context, including tenant_id and execution_id).
var celVariables = []string{"trigger", "steps", "previous", "vars"}

// CELEngine evaluates Common Expression Language conditions.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares the condition variables and returns the engine.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile type-checks expression against the declared variables.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression. Absent trigger, steps or previous values are
// bound to empty maps so `size(steps) == 0` works on the first step.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, failedExpression(e.Name(), expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, invalidExpression(e.Name(), src, issues.Err())
		}
		if out := ast.OutputType(); !out.IsAssignableType(cel.BoolType) {
			return nil, invalidExpression(e.Name(), src, fmt.Errorf("result type is %s, want bool", out))
		}
		prg, err := e.env.Program(ast, cel.CostLimit(celCostLimit), cel.InterruptCheckFrequency(100))
		if err != nil {
			return nil, invalidExpression(e.Name(), src, err)
		}
		return prg, nil
	})
}

func celActivation(data map[string]any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	act := map[string]any{"vars": data}
	for _, name := range []string{"trigger", "steps", "previous"} {
		act[name] = map[string]any{}
		switch m := data[name].(type) {
		case Vars:
			if m != nil {
				act[name] = map[string]any(m)
			}
		case map[string]any:
			if m != nil {
				act[name] = m
			}
		}
	}
	return act
}

var (
	_ Engine   = (*CELEngine)(nil)
	_ Compiler = (*CELEngine)(nil)
)
