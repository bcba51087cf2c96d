package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// brancher is implemented by actions that pick one of several nested action lists
type brancher interface {
	Choose(ctx context.Context, config models.JSONB, ec *EvaluationContext) (string, models.ActionList, EvaluationResult, error)
}

// Planner simulates a rule against a sample context. It shares the evaluator and
// handlers with the coordinator but only calls their read-only methods.
type Planner struct {
	rules     RuleRepository
	contexts  *ContextBuilder
	evaluator *Evaluator
	actions   *ActionExecutor
	validator *RuleValidator
	logger    *logger.Logger
}

// NewPlanner creates a new dry-run planner
func NewPlanner(rules RuleRepository, contexts *ContextBuilder, evaluator *Evaluator, actions *ActionExecutor, log *logger.Logger) *Planner {
	return &Planner{
		rules:     rules,
		contexts:  contexts,
		evaluator: evaluator,
		actions:   actions,
		validator: NewRuleValidator(evaluator, actions),
		logger:    log,
	}
}

// Plan loads a rule and simulates it
func (p *Planner) Plan(ctx context.Context, ruleID string, sample SampleContext) (*models.ExecutionPlan, error) {
	rule, err := p.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return p.PlanRule(ctx, rule, sample)
}

// PlanRule simulates a rule that is already loaded, saved or not.
// Invalid action configs are reported per step rather than failing the whole plan.
func (p *Planner) PlanRule(ctx context.Context, rule *models.Rule, sample SampleContext) (*models.ExecutionPlan, error) {
	if err := p.validator.ValidateDefinition(rule); err != nil {
		return nil, err
	}

	ec, err := p.contexts.Build(ctx, sample)
	if err != nil {
		return nil, err
	}

	plan := &models.ExecutionPlan{
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Steps:       []models.PlanStep{},
	}

	res, err := p.evaluator.Evaluate(ctx, rule.Conditions, ec)
	if err != nil {
		plan.Explanation = err.Error()
	} else {
		plan.ConditionsMet = res.Matched
		plan.Explanation = res.Explanation
	}

	xc := &ExecutionContext{
		EvaluationContext: ec,
		ExecutionID:       "dry-run",
		RuleID:            rule.ID.String(),
		RuleName:          rule.Name,
	}
	p.planSteps(ctx, plan, rule.Actions, rule.EffectiveFailurePolicy(), xc, plan.ConditionsMet, "")

	p.logger.Debugf("Planned rule %s: conditions_met=%t steps=%d", rule.ID, plan.ConditionsMet, len(plan.Steps))
	return plan, nil
}

// planSteps appends one step per action, expanding branch arms in place.
// It returns false once a step would halt the run.
func (p *Planner) planSteps(
	ctx context.Context,
	plan *models.ExecutionPlan,
	actions models.ActionList,
	policy models.FailurePolicy,
	xc *ExecutionContext,
	running bool,
	branch string,
) bool {
	for _, action := range actions {
		xc.StepIndex = len(plan.Steps)
		step := models.PlanStep{
			Index:        len(plan.Steps),
			ActionType:   action.Type,
			WouldExecute: running,
			Branch:       branch,
		}

		handler, err := p.actions.Registry().Get(action.Type)
		if err == nil {
			err = p.actions.Validate(action)
		}
		if err != nil {
			step.ValidationError = err.Error()
			step.Description = fmt.Sprintf("%s (invalid)", action.Type)
			step.WouldExecute = false
			step.EstimatedDuration = humanDuration(0)
			plan.Steps = append(plan.Steps, step)
			if running && !p.actions.ContinueOnError(action, policy) {
				running = false
			}
			continue
		}

		config := action.Config
		if config == nil {
			config = models.JSONB{}
		}
		desc, estimate := handler.Describe(ctx, config, xc)
		if action.Name != "" {
			desc = fmt.Sprintf("%s: %s", action.Name, desc)
		}
		step.Description = desc
		step.EstimatedDuration = humanDuration(estimate)
		step.EstimatedMs = estimate.Milliseconds()
		plan.Steps = append(plan.Steps, step)

		b, ok := handler.(brancher)
		if !ok {
			continue
		}
		arm, list, _, err := b.Choose(ctx, config, xc.EvaluationContext)
		if err != nil {
			plan.Steps[len(plan.Steps)-1].ValidationError = err.Error()
			if running && !p.actions.ContinueOnError(action, policy) {
				running = false
			}
			continue
		}
		label := arm
		if branch != "" {
			label = branch + "." + arm
		}
		running = p.planSteps(ctx, plan, list, policy, xc, running, label)
	}
	return running
}

// TotalEstimate sums the estimated durations of the steps that would run
func TotalEstimate(plan *models.ExecutionPlan) time.Duration {
	var total time.Duration
	for _, s := range plan.Steps {
		if s.WouldExecute {
			total += time.Duration(s.EstimatedMs) * time.Millisecond
		}
	}
	return total
}
