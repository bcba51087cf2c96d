package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/davidmoltin/record-automation/internal/models"
)

const maxRuleActions = 50

// scheduleParser accepts standard five-field specs, an optional leading seconds field and descriptors like @daily
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a time_scheduled rule's cron spec and timezone (default UTC)
func ParseSchedule(spec, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return sched, loc, nil
}

// RuleValidator performs the structural checks a rule must pass before it can run
type RuleValidator struct {
	evaluator *Evaluator
	actions   *ActionExecutor
}

// NewRuleValidator creates a validator over the runtime evaluator and handlers
func NewRuleValidator(evaluator *Evaluator, actions *ActionExecutor) *RuleValidator {
	return &RuleValidator{evaluator: evaluator, actions: actions}
}

// Validate returns an InvalidRuleConfig error describing the first problem found
func (v *RuleValidator) Validate(rule *models.Rule) error {
	if err := v.ValidateDefinition(rule); err != nil {
		return err
	}
	for i, action := range rule.Actions {
		if err := v.actions.Validate(action); err != nil {
			return wrapError(KindInvalidRuleConfig, err, "actions[%d]", i)
		}
	}
	return nil
}

// ValidateDefinition checks everything except the configuration of individual actions
func (v *RuleValidator) ValidateDefinition(rule *models.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return newError(KindInvalidRuleConfig, "rule name is required")
	}
	if !rule.TriggerType.IsValid() {
		return newError(KindInvalidRuleConfig, "unknown trigger type %q", rule.TriggerType)
	}
	switch rule.FailurePolicy {
	case "", models.FailurePolicyHalt, models.FailurePolicyContinue:
	default:
		return newError(KindInvalidRuleConfig, "unknown failure policy %q", rule.FailurePolicy)
	}
	if rule.MaxRetries != nil && (*rule.MaxRetries < 0 || *rule.MaxRetries > 10) {
		return newError(KindInvalidRuleConfig, "max_retries must be between 0 and 10")
	}
	if err := v.validateTrigger(rule); err != nil {
		return err
	}
	if err := v.evaluator.Validate(rule.Conditions); err != nil {
		return err
	}

	if len(rule.Actions) == 0 {
		return newError(KindInvalidRuleConfig, "rule has no actions")
	}
	if len(rule.Actions) > maxRuleActions {
		return newError(KindInvalidRuleConfig, "rule has %d actions, the limit is %d", len(rule.Actions), maxRuleActions)
	}
	return nil
}

func (v *RuleValidator) validateTrigger(rule *models.Rule) error {
	cfg := rule.TriggerConfig
	switch rule.TriggerType {
	case models.TriggerWebhook:
		if s, ok := cfg["secret"]; ok && s != nil {
			if _, isString := s.(string); !isString {
				return newError(KindInvalidRuleConfig, "trigger_config.secret must be a string")
			}
		}
	case models.TriggerScheduledInactivity:
		if _, ok := cfg["inactivity_days"]; ok && rule.IntSetting("inactivity_days", 0) <= 0 {
			return newError(KindInvalidRuleConfig, "trigger_config.inactivity_days must be a positive integer")
		}
	case models.TriggerTimeScheduled:
		spec := cfg.String("cron")
		if spec == "" {
			return newError(KindInvalidRuleConfig, "trigger_config.cron is required for time_scheduled rules")
		}
		if _, _, err := ParseSchedule(spec, cfg.String("timezone")); err != nil {
			return wrapError(KindInvalidRuleConfig, err, "trigger_config")
		}
	}
	return nil
}
