package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

// EvaluationContext is everything a condition may read. Evaluation never writes through it.
type EvaluationContext struct {
	SubjectID string
	Subject   *models.Subject
	ActorID   string
	ActorRole string
	Now       time.Time
	Payload   map[string]interface{}
	Records   RecordReader
}

// Status returns the subject status, preferring the newStatus carried by a status change event
func (ec *EvaluationContext) Status() (string, bool) {
	if s, ok := ec.Payload["newStatus"].(string); ok && s != "" {
		return s, true
	}
	if s, ok := ec.Payload["new_status"].(string); ok && s != "" {
		return s, true
	}
	if ec.Subject != nil && ec.Subject.Status != "" {
		return ec.Subject.Status, true
	}
	return "", false
}

// Data flattens the context for placeholder substitution and expressions
func (ec *EvaluationContext) Data() map[string]interface{} {
	subject := map[string]interface{}{}
	if ec.Subject != nil {
		subject = ec.Subject.Fields()
	} else if ec.SubjectID != "" {
		subject["id"] = ec.SubjectID
	}
	if status, ok := ec.Status(); ok {
		subject["status"] = status
	}
	payload := ec.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"subject": subject,
		"payload": payload,
		"actor": map[string]interface{}{
			"id":   ec.ActorID,
			"role": ec.ActorRole,
		},
		"now": ec.Now.Format(time.RFC3339),
	}
}

// EvaluationResult is the outcome of evaluating a node
type EvaluationResult struct {
	Matched     bool   `json:"matched"`
	Explanation string `json:"explanation"`
}

func matched(format string, args ...interface{}) EvaluationResult {
	return EvaluationResult{Matched: true, Explanation: fmt.Sprintf(format, args...)}
}

func unmatched(format string, args ...interface{}) EvaluationResult {
	return EvaluationResult{Matched: false, Explanation: fmt.Sprintf(format, args...)}
}

// LeafCondition evaluates one leaf condition type
type LeafCondition interface {
	Type() models.ConditionType
	// Operators lists the valid operators; the first one is the default
	Operators() []string
	// Validate checks the node's value shape without touching any data
	Validate(node *models.ConditionNode) error
	Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error)
}

// Evaluator maps a condition tree and context to a match decision
type Evaluator struct {
	mu       sync.RWMutex
	leaves   map[models.ConditionType]LeafCondition
	location *time.Location
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*evaluatorOptions)

type evaluatorOptions struct {
	expressionCostLimit uint64
}

// WithExpressionCostLimit bounds the runtime cost of expression conditions
func WithExpressionCostLimit(limit uint64) EvaluatorOption {
	return func(o *evaluatorOptions) {
		if limit > 0 {
			o.expressionCostLimit = limit
		}
	}
}

// NewEvaluator creates an evaluator with every built-in leaf registered.
// Time leaves compare against the evaluation instant in loc.
func NewEvaluator(loc *time.Location, opts ...EvaluatorOption) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	o := evaluatorOptions{expressionCostLimit: defaultExpressionCostLimit}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Evaluator{
		leaves:   make(map[models.ConditionType]LeafCondition),
		location: loc,
	}
	for _, leaf := range builtinLeaves(loc, o) {
		e.Register(leaf)
	}
	return e
}

// Register adds a leaf type. Registering the same type twice panics.
func (e *Evaluator) Register(leaf LeafCondition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.leaves[leaf.Type()]; dup {
		panic(fmt.Sprintf("engine: condition type %q already registered", leaf.Type()))
	}
	e.leaves[leaf.Type()] = leaf
}

// Location returns the timezone used by time conditions
func (e *Evaluator) Location() *time.Location {
	return e.location
}

func (e *Evaluator) leaf(t models.ConditionType) (LeafCondition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.leaves[t]
	return l, ok
}

// Evaluate walks the tree. A nil tree always matches. AND stops at the first
// false child and OR at the first true child.
func (e *Evaluator) Evaluate(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if node == nil {
		return matched("no conditions"), nil
	}
	if node.IsComposite() {
		return e.evaluateComposite(ctx, node, ec)
	}
	return e.evaluateLeaf(ctx, node, ec)
}

func (e *Evaluator) evaluateComposite(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	if len(node.Children) == 0 {
		return EvaluationResult{}, newError(KindInvalidRuleConfig, "%s condition has no children", node.Logic)
	}

	explanations := make([]string, 0, len(node.Children))
	switch node.Logic {
	case models.LogicAnd:
		for _, child := range node.Children {
			res, err := e.Evaluate(ctx, child, ec)
			if err != nil {
				return EvaluationResult{}, err
			}
			if !res.Matched {
				return unmatched("AND failed: %s", res.Explanation), nil
			}
			explanations = append(explanations, res.Explanation)
		}
		return matched("AND matched: [%s]", strings.Join(explanations, "; ")), nil

	case models.LogicOr:
		for _, child := range node.Children {
			res, err := e.Evaluate(ctx, child, ec)
			if err != nil {
				return EvaluationResult{}, err
			}
			if res.Matched {
				return matched("OR matched: %s", res.Explanation), nil
			}
			explanations = append(explanations, res.Explanation)
		}
		return unmatched("OR failed: [%s]", strings.Join(explanations, "; ")), nil
	}

	return EvaluationResult{}, newError(KindInvalidRuleConfig, "unknown logic operator %q", node.Logic)
}

func (e *Evaluator) evaluateLeaf(ctx context.Context, node *models.ConditionNode, ec *EvaluationContext) (EvaluationResult, error) {
	leaf, ok := e.leaf(node.Type)
	if !ok {
		return EvaluationResult{}, newError(KindUnknownConditionType, "unknown condition type %q", node.Type)
	}

	op, err := resolveOperator(leaf, node)
	if err != nil {
		return EvaluationResult{}, err
	}
	normalized := *node
	normalized.Operator = op

	res, err := leaf.Evaluate(ctx, &normalized, ec)
	if err != nil {
		metrics.ConditionEvaluations.WithLabelValues(string(node.Type), "error").Inc()
		var engErr *Error
		if errors.As(err, &engErr) {
			return EvaluationResult{}, err
		}
		return EvaluationResult{}, wrapError(KindConditionEvaluation, err, "%s", node.Type)
	}

	outcome := "unmatched"
	if res.Matched {
		outcome = "matched"
	}
	metrics.ConditionEvaluations.WithLabelValues(string(node.Type), outcome).Inc()
	return res, nil
}

func resolveOperator(leaf LeafCondition, node *models.ConditionNode) (string, error) {
	ops := leaf.Operators()
	if node.Operator == "" {
		return ops[0], nil
	}
	for _, op := range ops {
		if op == node.Operator {
			return op, nil
		}
	}
	return "", newError(KindInvalidRuleConfig, "operator %q is not valid for %s (allowed: %s)",
		node.Operator, node.Type, strings.Join(ops, ", "))
}

// Validate checks the tree's structure without evaluating it
func (e *Evaluator) Validate(node *models.ConditionNode) error {
	return e.validate(node, "conditions")
}

func (e *Evaluator) validate(node *models.ConditionNode, path string) error {
	if node == nil {
		return nil
	}
	if node.IsComposite() {
		if node.Logic != models.LogicAnd && node.Logic != models.LogicOr {
			return newError(KindInvalidRuleConfig, "%s: unknown logic operator %q", path, node.Logic)
		}
		if len(node.Children) == 0 {
			return newError(KindInvalidRuleConfig, "%s: %s condition has no children", path, node.Logic)
		}
		for i, child := range node.Children {
			if child == nil {
				return newError(KindInvalidRuleConfig, "%s.children[%d]: empty node", path, i)
			}
			if err := e.validate(child, fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}

	if node.Type == "" {
		return newError(KindInvalidRuleConfig, "%s: node needs either logic or type", path)
	}
	leaf, ok := e.leaf(node.Type)
	if !ok {
		return newError(KindUnknownConditionType, "%s: unknown condition type %q", path, node.Type)
	}
	if _, err := resolveOperator(leaf, node); err != nil {
		return err
	}
	if err := leaf.Validate(node); err != nil {
		return wrapError(KindInvalidRuleConfig, err, "%s", path)
	}
	return nil
}
