package websocket

import (
	"encoding/json"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Execution stream
	MessageTypeExecutionUpdated MessageType = "execution.updated"
	MessageTypeExecutionLog     MessageType = "execution.log"

	// Connection management
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeError        MessageType = "error"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
)

// Channel names. A client may also subscribe to "executions:{id}" or "rules:{id}".
const (
	ChannelExecutions = "executions"
	executionPrefix   = "executions:"
	rulePrefix        = "rules:"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ExecutionEventData is the payload of an execution.updated message
type ExecutionEventData struct {
	ExecutionID  string     `json:"execution_id"`
	RuleID       string     `json:"rule_id"`
	RuleVersion  int        `json:"rule_version"`
	SubjectID    string     `json:"subject_id,omitempty"`
	TriggerType  string     `json:"trigger_type"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ResumeAt     *time.Time `json:"resume_at,omitempty"`
}

// LogEventData is the payload of an execution.log message
type LogEventData struct {
	ID           string       `json:"id"`
	ExecutionID  string       `json:"execution_id"`
	Attempt      int          `json:"attempt"`
	StepIndex    int          `json:"step_index"`
	ActionType   string       `json:"action_type"`
	Status       string       `json:"status"`
	Output       models.JSONB `json:"output,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ErrorData contains error details
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscriptionData contains subscription request details
type SubscriptionData struct {
	Channel string  `json:"channel"`
	Filters Filters `json:"filters,omitempty"`
}

// Filters for subscription
type Filters struct {
	RuleIDs      []string `json:"rule_ids,omitempty"`
	ExecutionIDs []string `json:"execution_ids,omitempty"`
	Statuses     []string `json:"statuses,omitempty"`
}

func (f Filters) empty() bool {
	return len(f.RuleIDs) == 0 && len(f.ExecutionIDs) == 0 && len(f.Statuses) == 0
}

// NewExecutionEventData converts an execution for the stream
func NewExecutionEventData(exec *models.Execution) *ExecutionEventData {
	data := &ExecutionEventData{
		ExecutionID: exec.ID.String(),
		RuleID:      exec.RuleID.String(),
		RuleVersion: exec.RuleVersion,
		TriggerType: string(exec.TriggerType),
		Status:      string(exec.Status),
		CurrentStep: exec.CurrentStep,
		RetryCount:  exec.RetryCount,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		NextRetryAt: exec.NextRetryAt,
		ResumeAt:    exec.ResumeAt,
	}
	if exec.SubjectID != nil {
		data.SubjectID = *exec.SubjectID
	}
	if exec.ErrorMessage != nil {
		data.ErrorMessage = *exec.ErrorMessage
	}
	return data
}

// NewLogEventData converts a log entry for the stream
func NewLogEventData(entry *models.ExecutionLogEntry) *LogEventData {
	data := &LogEventData{
		ID:          entry.ID.String(),
		ExecutionID: entry.ExecutionID.String(),
		Attempt:     entry.Attempt,
		StepIndex:   entry.StepIndex,
		ActionType:  string(entry.ActionType),
		Status:      string(entry.Status),
		Output:      entry.Output,
		DurationMs:  entry.DurationMs,
		CreatedAt:   entry.CreatedAt,
	}
	if entry.ErrorMessage != nil {
		data.ErrorMessage = *entry.ErrorMessage
	}
	return data
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		rawData = jsonData
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      rawData,
	}, nil
}

// ToJSON converts a message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
