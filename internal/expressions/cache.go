package expressions

import (
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's compiled-program cache. Expressions
// are written by tenants, so the set is open-ended; a full cache is dropped.
const maxCachedPrograms = 256

// programCache memoizes compiled expressions by source text.
type programCache[P any] struct {
	mu       sync.Mutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Compile errors are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	if len(c.programs) >= maxCachedPrograms {
		clear(c.programs)
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// Compiler is implemented by engines that can check an expression without
// running it. Definition checks use it to reject bad conditions early.
type Compiler interface {
	Compile(expression string) error
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}

// invalidExpression reports an expression that failed to parse or compile.
func invalidExpression(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid expression %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// failedExpression reports an expression that compiled but failed to run.
func failedExpression(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}
