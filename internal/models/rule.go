package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TriggerType is the event type that starts condition evaluation for a rule
type TriggerType string

const (
	TriggerRecordCreated       TriggerType = "record_created"
	TriggerRecordUpdated       TriggerType = "record_updated"
	TriggerStatusChanged       TriggerType = "status_changed"
	TriggerDocumentEvent       TriggerType = "document_event"
	TriggerNoteEvent           TriggerType = "note_event"
	TriggerManual              TriggerType = "manual"
	TriggerScheduledInactivity TriggerType = "scheduled_inactivity"
	TriggerWebhook             TriggerType = "webhook"
	TriggerTimeScheduled       TriggerType = "time_scheduled"
)

// TriggerTypes lists every trigger type the dispatcher accepts
var TriggerTypes = []TriggerType{
	TriggerRecordCreated,
	TriggerRecordUpdated,
	TriggerStatusChanged,
	TriggerDocumentEvent,
	TriggerNoteEvent,
	TriggerManual,
	TriggerScheduledInactivity,
	TriggerWebhook,
	TriggerTimeScheduled,
}

// IsValid reports whether t is a known trigger type
func (t TriggerType) IsValid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// FailurePolicy decides what happens to the remaining steps after a step fails
type FailurePolicy string

const (
	FailurePolicyHalt     FailurePolicy = "halt"
	FailurePolicyContinue FailurePolicy = "continue"
)

// Rule is a stored automation definition
type Rule struct {
	ID            uuid.UUID      `json:"id" db:"id" yaml:"id,omitempty"`
	Name          string         `json:"name" db:"name" yaml:"name"`
	Description   *string        `json:"description,omitempty" db:"description" yaml:"description,omitempty"`
	IsActive      bool           `json:"is_active" db:"is_active" yaml:"is_active"`
	IsTemplate    bool           `json:"is_template" db:"is_template" yaml:"is_template"`
	TriggerType   TriggerType    `json:"trigger_type" db:"trigger_type" yaml:"trigger_type"`
	TriggerConfig JSONB          `json:"trigger_config" db:"trigger_config" yaml:"trigger_config,omitempty"`
	Conditions    *ConditionNode `json:"conditions,omitempty" db:"conditions" yaml:"conditions,omitempty"`
	Actions       ActionList     `json:"actions" db:"actions" yaml:"actions"`
	FailurePolicy FailurePolicy  `json:"failure_policy" db:"failure_policy" yaml:"failure_policy,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty" db:"max_retries" yaml:"max_retries,omitempty"`
	Version       int            `json:"version" db:"version" yaml:"version,omitempty"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Clone returns a deep copy that shares no mutable state with r
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out Rule
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}

// WebhookSecret returns the HMAC secret configured for webhook rules
func (r *Rule) WebhookSecret() string {
	return r.TriggerConfig.String("secret")
}

// EffectiveFailurePolicy defaults an empty policy to halt
func (r *Rule) EffectiveFailurePolicy() FailurePolicy {
	if r.FailurePolicy == FailurePolicyContinue {
		return FailurePolicyContinue
	}
	return FailurePolicyHalt
}

// IntSetting reads an integer from the trigger config, accepting JSON numbers and numeric strings
func (r *Rule) IntSetting(key string, def int) int {
	switch v := r.TriggerConfig[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Scan implements sql.Scanner so a snapshot can be read from a JSONB column
func (r *Rule) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// RuleFilter narrows rule listings
type RuleFilter struct {
	TriggerType *TriggerType
	Active      *bool
	Template    *bool
	Limit       int
	Offset      int
}

// CreateRuleRequest is the body of POST /rules
type CreateRuleRequest struct {
	Name          string                 `json:"name" validate:"required,max=255"`
	Description   *string                `json:"description,omitempty"`
	IsActive      *bool                  `json:"is_active,omitempty"`
	IsTemplate    bool                   `json:"is_template"`
	TriggerType   TriggerType            `json:"trigger_type" validate:"required"`
	TriggerConfig map[string]interface{} `json:"trigger_config,omitempty"`
	Conditions    *ConditionNode         `json:"conditions,omitempty"`
	Actions       ActionList             `json:"actions" validate:"required,min=1,dive"`
	FailurePolicy FailurePolicy          `json:"failure_policy,omitempty" validate:"omitempty,oneof=halt continue"`
	MaxRetries    *int                   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
}

// ToRule builds an unsaved rule from the request
func (req *CreateRuleRequest) ToRule() *Rule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	policy := req.FailurePolicy
	if policy == "" {
		policy = FailurePolicyHalt
	}
	return &Rule{
		Name:          req.Name,
		Description:   req.Description,
		IsActive:      active && !req.IsTemplate,
		IsTemplate:    req.IsTemplate,
		TriggerType:   req.TriggerType,
		TriggerConfig: JSONB(req.TriggerConfig),
		Conditions:    req.Conditions,
		Actions:       req.Actions,
		FailurePolicy: policy,
		MaxRetries:    req.MaxRetries,
		Version:       1,
	}
}

// UpdateRuleRequest is the body of PUT /rules/{id}; nil fields are left unchanged
type UpdateRuleRequest struct {
	Name            *string                `json:"name,omitempty" validate:"omitempty,max=255"`
	Description     *string                `json:"description,omitempty"`
	TriggerType     *TriggerType           `json:"trigger_type,omitempty"`
	TriggerConfig   map[string]interface{} `json:"trigger_config,omitempty"`
	Conditions      *ConditionNode         `json:"conditions,omitempty"`
	ClearConditions bool                   `json:"clear_conditions,omitempty"`
	Actions         ActionList             `json:"actions,omitempty" validate:"omitempty,min=1,dive"`
	FailurePolicy   *FailurePolicy         `json:"failure_policy,omitempty" validate:"omitempty,oneof=halt continue"`
	MaxRetries      *int                   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
}

// Apply mutates rule in place and reports whether the executable definition changed
func (req *UpdateRuleRequest) Apply(rule *Rule) bool {
	changed := false
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = req.Description
	}
	if req.TriggerType != nil && *req.TriggerType != rule.TriggerType {
		rule.TriggerType = *req.TriggerType
		changed = true
	}
	if req.TriggerConfig != nil {
		rule.TriggerConfig = JSONB(req.TriggerConfig)
		changed = true
	}
	if req.ClearConditions {
		rule.Conditions = nil
		changed = true
	} else if req.Conditions != nil {
		rule.Conditions = req.Conditions
		changed = true
	}
	if req.Actions != nil {
		rule.Actions = req.Actions
		changed = true
	}
	if req.FailurePolicy != nil && *req.FailurePolicy != rule.FailurePolicy {
		rule.FailurePolicy = *req.FailurePolicy
		changed = true
	}
	if req.MaxRetries != nil {
		rule.MaxRetries = req.MaxRetries
		changed = true
	}
	if changed {
		rule.Version++
	}
	return changed
}

// RuleListResponse is a paginated list of rules
type RuleListResponse struct {
	Rules    []*Rule `json:"rules"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// String implements fmt.Stringer for log lines
func (r *Rule) String() string {
	return fmt.Sprintf("%s (%s, v%d)", r.Name, r.ID, r.Version)
}

// RuleSchedule is the next planned run of a time_scheduled rule
type RuleSchedule struct {
	RuleID         uuid.UUID  `json:"rule_id" db:"rule_id"`
	CronExpression string     `json:"cron_expression" db:"cron_expression"`
	Timezone       string     `json:"timezone" db:"timezone"`
	NextRunAt      time.Time  `json:"next_run_at" db:"next_run_at"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
}
