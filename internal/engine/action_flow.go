package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

const maxWaitDelay = 365 * 24 * time.Hour

// waitAction parks the run. The coordinator persists the resume point and frees the worker.
type waitAction struct {
	clock Clock
}

func (a *waitAction) Type() models.ActionType { return models.ActionWait }
func (a *waitAction) Idempotent() bool        { return false }
func (a *waitAction) ContinueOnError() bool   { return false }

func (a *waitAction) Validate(config models.JSONB) error {
	d := configDelay(config)
	if d <= 0 {
		return fmt.Errorf("missing required config: delay_seconds, delay_minutes, delay_hours or delay_days")
	}
	if d > maxWaitDelay {
		return fmt.Errorf("delay exceeds %s", humanDuration(maxWaitDelay))
	}
	return nil
}

func (a *waitAction) Execute(_ context.Context, config models.JSONB, _ *ExecutionContext) (*ActionResult, error) {
	d := configDelay(config)
	resumeAt := a.clock.Now().Add(d)
	return &ActionResult{
		Output: map[string]interface{}{
			"delay":     humanDuration(d),
			"resume_at": resumeAt.Format(time.RFC3339),
		},
		ResumeAt: &resumeAt,
	}, nil
}

// Describe reports the delay itself as the estimate
func (a *waitAction) Describe(_ context.Context, config models.JSONB, _ *ExecutionContext) (string, time.Duration) {
	d := configDelay(config)
	return fmt.Sprintf("Wait %s before continuing", humanDuration(d)), d
}

// conditionalBranchAction evaluates one condition with the shared evaluator and
// splices the chosen arm into the remaining actions.
type conditionalBranchAction struct {
	evaluator *Evaluator
	registry  *ActionRegistry
}

func (a *conditionalBranchAction) Type() models.ActionType { return models.ActionConditionalBranch }
func (a *conditionalBranchAction) Idempotent() bool        { return true }
func (a *conditionalBranchAction) ContinueOnError() bool   { return false }

func (a *conditionalBranchAction) Validate(config models.JSONB) error {
	cond, err := configCondition(config, "condition")
	if err != nil {
		return err
	}
	if err := a.evaluator.Validate(cond); err != nil {
		return err
	}
	for _, arm := range []string{"then", "else"} {
		list, err := configActions(config, arm)
		if err != nil {
			return err
		}
		for i, action := range list {
			h, err := a.registry.Get(action.Type)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", arm, i, err)
			}
			cfg := action.Config
			if cfg == nil {
				cfg = models.JSONB{}
			}
			if err := h.Validate(cfg); err != nil {
				return fmt.Errorf("%s[%d] %s: %w", arm, i, action.Type, err)
			}
		}
	}
	return nil
}

// Choose evaluates the condition and returns the arm that would run
func (a *conditionalBranchAction) Choose(ctx context.Context, config models.JSONB, ec *EvaluationContext) (string, models.ActionList, EvaluationResult, error) {
	cond, err := configCondition(config, "condition")
	if err != nil {
		return "", nil, EvaluationResult{}, newError(KindInvalidRuleConfig, "%v", err)
	}
	res, err := a.evaluator.Evaluate(ctx, cond, ec)
	if err != nil {
		return "", nil, EvaluationResult{}, err
	}
	arm := "else"
	if res.Matched {
		arm = "then"
	}
	list, err := configActions(config, arm)
	if err != nil {
		return "", nil, EvaluationResult{}, newError(KindInvalidRuleConfig, "%v", err)
	}
	return arm, list, res, nil
}

func (a *conditionalBranchAction) Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error) {
	arm, list, res, err := a.Choose(ctx, config, ec.EvaluationContext)
	if err != nil {
		return nil, err
	}
	return &ActionResult{
		Output: map[string]interface{}{
			"branch":      arm,
			"explanation": res.Explanation,
			"inserted":    len(list),
		},
		Insert: list,
	}, nil
}

func (a *conditionalBranchAction) Describe(ctx context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration) {
	arm, list, res, err := a.Choose(ctx, config, ec.EvaluationContext)
	if err != nil {
		return fmt.Sprintf("Evaluate branch condition (cannot decide: %v)", err), 0
	}
	return fmt.Sprintf("Branch to %q with %d action(s): %s", arm, len(list), res.Explanation), 0
}
