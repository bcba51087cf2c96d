package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is a typed domain event handed to the dispatcher
type TriggerEvent struct {
	Type       TriggerType `json:"event_type"`
	SubjectID  string      `json:"subject_id,omitempty"`
	ActorID    string      `json:"actor_id,omitempty"`
	ActorRole  string      `json:"actor_role,omitempty"`
	Payload    JSONB       `json:"payload,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// IngestEventRequest is the body of POST /events
type IngestEventRequest struct {
	EventType TriggerType            `json:"event_type" validate:"required"`
	SubjectID string                 `json:"subject_id,omitempty"`
	ActorID   string                 `json:"actor_id,omitempty"`
	ActorRole string                 `json:"actor_role,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// DispatchResult reports how many runs an event started
type DispatchResult struct {
	EventType    TriggerType `json:"event_type"`
	MatchedRules int         `json:"matched_rules"`
	ExecutionIDs []string    `json:"execution_ids"`
}

// EventRecord is the stored audit trail of one ingested event
type EventRecord struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	EventType    TriggerType `json:"event_type" db:"event_type"`
	SubjectID    string      `json:"subject_id,omitempty" db:"subject_id"`
	ActorID      string      `json:"actor_id,omitempty" db:"actor_id"`
	Payload      JSONB       `json:"payload" db:"payload"`
	ExecutionIDs []string    `json:"execution_ids" db:"execution_ids"`
	ReceivedAt   time.Time   `json:"received_at" db:"received_at"`
}

// EventListResponse is a paginated list of ingested events
type EventListResponse struct {
	Events   []*EventRecord `json:"events"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}
