package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/recoilhq/recoil/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It covers the transform side of
// step conditions and output shaping where CEL is too strict and jq too
// loose: array pipelines, string helpers, nil coalescing, optional chaining.
// Compiled programs are cached per expression and safe for concurrent reuse.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against data. Every key of the data map is
// visible as a top-level variable; unknown variables resolve to nil rather
// than failing compilation, matching how sparse step scopes behave.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg := e.cached(expression)
	if prg == nil {
		var err error
		prg, err = e.compile(expression, data)
		if err != nil {
			return nil, err
		}
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) cached(expression string) *vm.Program {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache[expression]
}

func (e *ExprEngine) compile(expression string, data map[string]any) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have compiled it between the read and here.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
