package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/internal/workers"
)

// ValidationResult reports the offline checks of one rule document
type ValidationResult struct {
	Name   string   `json:"name"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

var knownActions = map[models.ActionType]bool{
	models.ActionCreateNote:         true,
	models.ActionCreateTask:         true,
	models.ActionSendNotification:   true,
	models.ActionSendEmail:          true,
	models.ActionSendSMS:            true,
	models.ActionGenerateLetter:     true,
	models.ActionUpdateRecordStatus: true,
	models.ActionAddTag:             true,
	models.ActionCallWebhook:        true,
	models.ActionWait:               true,
	models.ActionConditionalBranch:  true,
}

// LoadRulesFromFile reads one or more rule documents from a YAML or JSON file
func LoadRulesFromFile(filename string) ([]*models.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	rules, err := workers.ParseRuleDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%s holds no rules", filename)
	}
	return rules, nil
}

// ValidateRuleFile validates every rule in a file. Action configuration is
// only checked by the server, which knows the configured integrations.
func ValidateRuleFile(filename string) ([]*ValidationResult, error) {
	rules, err := LoadRulesFromFile(filename)
	if err != nil {
		return nil, err
	}

	validator := engine.NewRuleValidator(engine.NewEvaluator(time.UTC), nil)
	results := make([]*ValidationResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, ValidateRule(validator, rule))
	}
	return results, nil
}

// ValidateRule runs the structural checks on a single rule
func ValidateRule(validator *engine.RuleValidator, rule *models.Rule) *ValidationResult {
	result := &ValidationResult{Name: rule.Name, Valid: true}

	if err := validator.ValidateDefinition(rule); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
	}

	for i, action := range rule.Actions {
		if action.Type == "" {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("actions[%d].type is required", i))
			continue
		}
		if !knownActions[action.Type] {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("actions[%d] has unknown type %q", i, action.Type))
		}
	}

	return result
}

// CreateRequest turns a parsed rule document into a create request. Templates
// are always created inactive.
func CreateRequest(rule *models.Rule, activate bool) *models.CreateRuleRequest {
	active := (rule.IsActive || activate) && !rule.IsTemplate
	return &models.CreateRuleRequest{
		Name:          rule.Name,
		Description:   rule.Description,
		IsActive:      &active,
		IsTemplate:    rule.IsTemplate,
		TriggerType:   rule.TriggerType,
		TriggerConfig: rule.TriggerConfig,
		Conditions:    rule.Conditions,
		Actions:       rule.Actions,
		FailurePolicy: rule.FailurePolicy,
		MaxRetries:    rule.MaxRetries,
	}
}

// UpdateRequest turns a parsed rule document into a full replacement update
func UpdateRequest(rule *models.Rule) *models.UpdateRuleRequest {
	name := rule.Name
	trigger := rule.TriggerType
	req := &models.UpdateRuleRequest{
		Name:            &name,
		Description:     rule.Description,
		TriggerType:     &trigger,
		TriggerConfig:   rule.TriggerConfig,
		Conditions:      rule.Conditions,
		ClearConditions: rule.Conditions == nil,
		Actions:         rule.Actions,
		MaxRetries:      rule.MaxRetries,
	}
	if rule.FailurePolicy != "" {
		policy := rule.FailurePolicy
		req.FailurePolicy = &policy
	}
	return req
}
