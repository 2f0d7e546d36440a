package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries. Webhook steps use it to pull fields out of a
// JSON response before the result is stored, and the definition validator
// uses Compile to reject bad paths up front.
type GoJQEngine struct {
	codes *programCache[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{codes: newProgramCache[*gojq.Code]()}
}

// Name returns "jq".
func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as the input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Compile checks that expression parses and compiles.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.code(expression)
	return err
}

// Query runs expression against a decoded JSON document. A single output
// is returned as is, several are collected into a slice, none yields nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, toJQ(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, failedExpression(e.Name(), expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.codes.get(expression, compileJQ)
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, invalidExpression("jq", expression, err)
	}
	// Tenant queries get an empty $ENV.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, invalidExpression("jq", expression, err)
	}
	return code, nil
}

// toJQ rewrites values into the shapes gojq accepts: plain maps and slices,
// int or float64 numbers.
func toJQ(v any) any {
	switch val := v.(type) {
	case Vars:
		return toJQ(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJQ(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJQ(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return int(val)
	case uint:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var (
	_ Engine   = (*GoJQEngine)(nil)
	_ Compiler = (*GoJQEngine)(nil)
)
