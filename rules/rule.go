package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// Verdict is the outcome of a guard evaluation. A guard either passes,
// fails silently, or fails with field-level errors that are meant to be
// shown to the user.
type Verdict struct {
	Passed bool
	Errors map[string]string
}

// Rejected reports whether the guard produced user-visible field errors.
func (v Verdict) Rejected() bool {
	return len(v.Errors) > 0
}

// Evaluator decides whether a guard expression holds against a context.
// Implementations must be safe for concurrent use and side-effect free
// with respect to engine state.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (Verdict, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc injects a helper that is computed from the context and
// exposed to every expression under the given name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate runs the expression against the context. A boolean result maps
// directly to Passed; a map result carrying a non-empty "errors" entry
// yields a rejection with those field errors. Any other result type is an
// error.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (Verdict, error) {
	e.mu.RLock()
	for k, v := range e.optionsFunc {
		context[k] = v(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return Verdict{}, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return Verdict{}, err
	}

	switch r := result.(type) {
	case bool:
		return Verdict{Passed: r}, nil
	case map[string]interface{}:
		fieldErrors := extractErrors(r)
		if len(fieldErrors) > 0 {
			return Verdict{Errors: fieldErrors}, nil
		}
		return Verdict{Passed: true}, nil
	default:
		return Verdict{}, fmt.Errorf("expression %q did not evaluate to a boolean or error map, got %T", expression, result)
	}
}

// extractErrors pulls field errors out of a map-shaped guard result.
func extractErrors(result map[string]interface{}) map[string]string {
	raw, ok := result["errors"]
	if !ok || raw == nil {
		return nil
	}

	out := make(map[string]string)
	switch m := raw.(type) {
	case map[string]string:
		for field, msg := range m {
			out[field] = msg
		}
	case map[string]interface{}:
		for field, msg := range m {
			out[field] = fmt.Sprint(msg)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
