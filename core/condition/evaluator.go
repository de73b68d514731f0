// Package condition evaluates CEL predicates used by BRANCH and
// POSTCONDITION instructions and by CDC matching rules.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates predicates using CEL (Common Expression Language)
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new predicate evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// EvaluateBool evaluates a predicate against a value and an optional
// context map and returns the boolean result
func (e *Evaluator) EvaluateBool(expr string, value interface{}, context map[string]interface{}) (bool, error) {
	out, err := e.Evaluate(expr, value, context)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not return boolean, got %T", out)
	}
	return result, nil
}

// Evaluate evaluates a CEL expression with `value` and `ctx` bound and
// returns the raw result
func (e *Evaluator) Evaluate(expr string, value interface{}, context map[string]interface{}) (interface{}, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Convert JSONPath-style $.field to CEL value.field for compatibility
	normalizedExpr := strings.ReplaceAll(expr, "$.", "value.")

	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compileCEL(normalizedExpr)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	if context == nil {
		context = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"value": value,
		"ctx":   context,
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return out.Value(), nil
}

// Compile checks an expression without evaluating it; the compiled program
// is cached for later Evaluate calls
func (e *Evaluator) Compile(expr string) error {
	normalizedExpr := strings.ReplaceAll(expr, "$.", "value.")

	e.mu.RLock()
	_, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()
	if exists {
		return nil
	}

	prg, err := e.compileCEL(normalizedExpr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cache[normalizedExpr] = prg
	e.mu.Unlock()
	return nil
}

// compileCEL compiles a CEL expression
func (e *Evaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
