package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of one rule run
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsValid reports whether s is a known status
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusSkipped, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Execution is one runtime instance of a rule reacting to one event
type Execution struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	RuleID         uuid.UUID       `json:"rule_id" db:"rule_id"`
	RuleVersion    int             `json:"rule_version" db:"rule_version"`
	RuleSnapshot   Rule            `json:"-" db:"rule_snapshot"`
	Actions        ActionList      `json:"-" db:"actions"`
	SubjectID      *string         `json:"subject_id,omitempty" db:"subject_id"`
	ActorID        *string         `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole      string          `json:"actor_role,omitempty" db:"actor_role"`
	TriggerType    TriggerType     `json:"trigger_type" db:"trigger_type"`
	TriggerPayload JSONB           `json:"trigger_payload" db:"trigger_payload"`
	Status         ExecutionStatus `json:"status" db:"status"`
	CurrentStep    int             `json:"current_step" db:"current_step"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	// LastProgressAt is refreshed by every claim and every persisted step
	LastProgressAt *time.Time `json:"last_progress_at,omitempty" db:"last_progress_at"`

	RetryCount       int        `json:"retry_count" db:"retry_count"`
	MaxRetries       int        `json:"max_retries" db:"max_retries"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	RetriesExhausted bool       `json:"retries_exhausted" db:"retries_exhausted"`

	ResumeAt        *time.Time `json:"resume_at,omitempty" db:"resume_at"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
}

// IsTerminal reports whether no coordinator will touch the execution again on its own.
// A failed execution with a scheduled retry is not terminal.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusSkipped, ExecutionStatusCancelled:
		return true
	case ExecutionStatusFailed:
		return e.NextRetryAt == nil
	}
	return false
}

// IsWaiting reports whether the run is parked on a wait step
func (e *Execution) IsWaiting() bool {
	return e.Status == ExecutionStatusRunning && e.ResumeAt != nil
}

// CanRetry reports whether a manual retry is still allowed
func (e *Execution) CanRetry() bool {
	return e.Status == ExecutionStatusFailed && e.RetryCount < e.MaxRetries
}

// Subject returns the subject id or an empty string
func (e *Execution) Subject() string {
	if e.SubjectID == nil {
		return ""
	}
	return *e.SubjectID
}

// Actor returns the actor id or an empty string
func (e *Execution) Actor() string {
	if e.ActorID == nil {
		return ""
	}
	return *e.ActorID
}

// LogStatus is the outcome of one attempted step
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusSkipped LogStatus = "skipped"
)

// ExecutionLogEntry is the immutable record of one action step
type ExecutionLogEntry struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ExecutionID  uuid.UUID  `json:"execution_id" db:"execution_id"`
	Attempt      int        `json:"attempt" db:"attempt"`
	StepIndex    int        `json:"step_index" db:"step_index"`
	ActionType   ActionType `json:"action_type" db:"action_type"`
	Status       LogStatus  `json:"status" db:"status"`
	Input        JSONB      `json:"input,omitempty" db:"input"`
	Output       JSONB      `json:"output,omitempty" db:"output"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	DurationMs   int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// ExecutionFilter narrows execution listings; nil fields do not filter
type ExecutionFilter struct {
	RuleID    *uuid.UUID
	Status    *ExecutionStatus
	SubjectID *string
	Limit     int
	Offset    int
}

// ExecutionListResponse is a paginated list of executions
type ExecutionListResponse struct {
	Executions []*Execution `json:"executions"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// ExecutionLogsResponse wraps the log entries of one execution
type ExecutionLogsResponse struct {
	ExecutionID uuid.UUID            `json:"execution_id"`
	Entries     []*ExecutionLogEntry `json:"entries"`
}

// ExecutionAccepted is returned when a run has been queued
type ExecutionAccepted struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
}

// ExecuteRuleRequest is the body of POST /rules/{id}/execute
type ExecuteRuleRequest struct {
	SubjectID *string                `json:"subject_id,omitempty"`
	ActorID   *string                `json:"actor_id,omitempty"`
	ActorRole string                 `json:"actor_role,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// TestRuleRequest is the body of POST /rules/{id}/test
type TestRuleRequest struct {
	SubjectID     *string                `json:"subject_id,omitempty"`
	ActorID       *string                `json:"actor_id,omitempty"`
	ActorRole     string                 `json:"actor_role,omitempty"`
	SamplePayload map[string]interface{} `json:"sample_payload,omitempty"`
}

// ExecutionPlan is the result of a dry run
type ExecutionPlan struct {
	RuleID        uuid.UUID  `json:"rule_id"`
	RuleVersion   int        `json:"rule_version"`
	ConditionsMet bool       `json:"conditions_met"`
	Explanation   string     `json:"explanation"`
	Steps         []PlanStep `json:"steps"`
}

// PlanStep describes what one action would do
type PlanStep struct {
	Index             int        `json:"index"`
	ActionType        ActionType `json:"action_type"`
	Description       string     `json:"description"`
	WouldExecute      bool       `json:"would_execute"`
	EstimatedDuration string     `json:"estimated_duration"`
	EstimatedMs       int64      `json:"estimated_ms"`
	ValidationError   string     `json:"validation_error,omitempty"`
	Branch            string     `json:"branch,omitempty"`
}

// ClaimKind selects which transition ClaimExecution performs
type ClaimKind string

const (
	// ClaimStart moves a pending execution to running
	ClaimStart ClaimKind = "start"
	// ClaimResume takes a running execution whose wait has elapsed
	ClaimResume ClaimKind = "resume"
	// ClaimRetry takes a failed execution whose scheduled retry is due
	ClaimRetry ClaimKind = "retry"
	// ClaimManualRetry takes a failed execution that still has retries left
	ClaimManualRetry ClaimKind = "manual_retry"
)
