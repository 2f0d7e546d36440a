package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang conditions. Every key of the variable
// context is a top-level identifier, so a condition reads like
// `contact.source == "web" && trigger.amount > 100`. Unknown identifiers
// are nil rather than compile errors, because trigger payloads differ per
// event.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Compile parses expression without binding it to a context.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := expr.Run(prg, data)
	if err != nil {
		return nil, failedExpression(e.Name(), expression, err)
	}
	return out, nil
}

// Programs are compiled against an empty map environment so one cached
// program serves every payload shape.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, invalidExpression(e.Name(), src, err)
		}
		return prg, nil
	})
}

var (
	_ Engine   = (*ExprEngine)(nil)
	_ Compiler = (*ExprEngine)(nil)
)
