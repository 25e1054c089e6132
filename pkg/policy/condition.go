package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates scope-grant conditions: CEL expressions over
// the tool invocation that must come out true for the grant to apply.
// Compiled programs are cached per expression.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator builds the CEL environment for grant conditions.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.DynType),
		cel.Variable("tool", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval runs expr against the invocation. A compile or eval error fails
// closed: the grant does not apply.
func (c *ConditionEvaluator) Eval(expr string, inputs map[string]any, toolID, version string) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"inputs": inputs,
		"tool":   map[string]any{"id": toolID, "version": version},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not a boolean")
	}
	return val, nil
}

func (c *ConditionEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.cache[expr] = prg
	return prg, nil
}
