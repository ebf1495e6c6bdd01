// Package expression evaluates step guard conditions against runbook state.
//
// Guards are boolean expr-lang expressions attached to a step's "when"
// field. They see the step's params and the results of completed
// predecessor steps. Compiled programs are cached since the same guard
// is re-evaluated on every advance pass.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tombee/runbook/pkg/errors"
)

// Evaluator evaluates guard expressions with a compiled-program cache.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a guard expression against the given context.
// An empty expression is vacuously true.
//
// The context contains:
//   - params: the step's own parameters
//   - steps: results of completed steps keyed by step ID
//
// Example:
//
//	ctx := map[string]any{
//	    "params": map[string]any{"risk_tier": "high"},
//	    "steps":  map[string]any{"screen": map[string]any{"hits": 2}},
//	}
//	ok, err := eval.Evaluate(`params.risk_tier == "high" && steps.screen.hits > 0`, ctx)
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("failed to compile guard: %s", err.Error()),
		}
	}

	evalCtx := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	// "contains" is reserved in expr for string operations
	evalCtx["has"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("guard evaluation failed: %s", err.Error()),
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("guard must return boolean, got %T (%v)", result, result),
		}
	}

	return boolResult, nil
}

// Validate compiles an expression without running it. Used when steps are
// appended so a malformed guard is rejected before the runbook advances.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	if _, err := e.compile(expression); err != nil {
		return &errors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("invalid guard expression: %s", err.Error()),
		}
	}
	return nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":    containsFunc,
		"length": lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		// Context is supplied at runtime
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
