package models

import (
	"database/sql/driver"
	"encoding/json"
)

// ActionType identifies an action handler
type ActionType string

const (
	ActionCreateNote         ActionType = "create_note"
	ActionCreateTask         ActionType = "create_task"
	ActionSendNotification   ActionType = "send_notification"
	ActionSendEmail          ActionType = "send_email"
	ActionSendSMS            ActionType = "send_sms"
	ActionGenerateLetter     ActionType = "generate_letter"
	ActionUpdateRecordStatus ActionType = "update_record_status"
	ActionAddTag             ActionType = "add_tag"
	ActionCallWebhook        ActionType = "call_webhook"
	ActionWait               ActionType = "wait"
	ActionConditionalBranch  ActionType = "conditional_branch"
)

// ActionDescriptor is one step of a rule. Its position in the list is its step index.
type ActionDescriptor struct {
	Type            ActionType `json:"type" yaml:"type" validate:"required"`
	Name            string     `json:"name,omitempty" yaml:"name,omitempty"`
	Config          JSONB      `json:"config" yaml:"config"`
	ContinueOnError *bool      `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// ActionList is the ordered action list stored as JSONB
type ActionList []ActionDescriptor

// Scan implements sql.Scanner
func (a *ActionList) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// Value implements driver.Valuer
func (a ActionList) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

// Clone returns a deep copy of the list
func (a ActionList) Clone() ActionList {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return append(ActionList(nil), a...)
	}
	var out ActionList
	if err := json.Unmarshal(data, &out); err != nil {
		return append(ActionList(nil), a...)
	}
	return out
}
