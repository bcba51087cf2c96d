package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/davidmoltin/record-automation/internal/models"
)

const defaultExpressionCostLimit = 1000000

// expressionCondition evaluates a CEL expression over subject, payload, actor and now.
// Programs are compiled once per expression text and cached.
type expressionCondition struct {
	costLimit uint64

	once    sync.Once
	env     *cel.Env
	envErr  error
	mu      sync.RWMutex
	program map[string]cel.Program
}

func newExpressionCondition(costLimit uint64) *expressionCondition {
	if costLimit == 0 {
		costLimit = defaultExpressionCostLimit
	}
	return &expressionCondition{
		costLimit: costLimit,
		program:   make(map[string]cel.Program),
	}
}

func (c *expressionCondition) Type() models.ConditionType { return models.ConditionExpression }
func (c *expressionCondition) Operators() []string        { return []string{models.OpEq} }

func (c *expressionCondition) Validate(node *models.ConditionNode) error {
	expr, ok := node.Operand.(string)
	if !ok || expr == "" {
		return fmt.Errorf("expression value must be a non-empty CEL expression")
	}
	_, err := c.compile(expr)
	return err
}

// Evaluate never fails the rule: a compile error, an evaluation error or a
// non-boolean result all count as not matched.
func (c *expressionCondition) Evaluate(_ context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	expr, _ := node.Operand.(string)
	prg, err := c.compile(expr)
	if err != nil {
		return unmatched("expression does not compile: %v", err), nil
	}

	data := ec.Data()
	data["now"] = ec.Now
	out, _, err := prg.Eval(data)
	if err != nil {
		return unmatched("expression %q failed: %v", expr, err), nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return unmatched("expression %q is not boolean", expr), nil
	}
	if b {
		return matched("expression %q is true", expr), nil
	}
	return unmatched("expression %q is false", expr), nil
}

func (c *expressionCondition) environment() (*cel.Env, error) {
	c.once.Do(func() {
		c.env, c.envErr = cel.NewEnv(
			cel.Variable("subject", cel.DynType),
			cel.Variable("payload", cel.DynType),
			cel.Variable("actor", cel.DynType),
			cel.Variable("now", cel.TimestampType),
		)
	})
	return c.env, c.envErr
}

func (c *expressionCondition) compile(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.program[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := c.environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prg, err = env.Program(ast, cel.CostLimit(c.costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.program[expr] = prg
	c.mu.Unlock()
	return prg, nil
}
