package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
)

// FixtureBuilder provides methods to create test fixtures
type FixtureBuilder struct{}

// NewFixtureBuilder creates a new fixture builder
func NewFixtureBuilder() *FixtureBuilder {
	return &FixtureBuilder{}
}

// Rule creates an active status_changed rule that adds a tag and writes a note
func (fb *FixtureBuilder) Rule(overrides ...func(*models.Rule)) *models.Rule {
	id := uuid.New()

	rule := &models.Rule{
		ID:            id,
		Name:          "Test rule " + id.String()[:8],
		Description:   StringPtr("Test rule description"),
		IsActive:      true,
		TriggerType:   models.TriggerStatusChanged,
		TriggerConfig: models.JSONB{"to_status": "approved"},
		Conditions:    models.Leaf(models.ConditionStatusEquals, "eq", "approved"),
		Actions: models.ActionList{
			{Type: models.ActionAddTag, Config: models.JSONB{"tag": "approved"}},
			{Type: models.ActionCreateNote, Config: models.JSONB{"body": "Approved ${subject.name}"}},
		},
		FailurePolicy: models.FailurePolicyHalt,
		Version:       1,
	}

	for _, override := range overrides {
		override(rule)
	}

	return rule
}

// Execution creates a pending execution that snapshots rule
func (fb *FixtureBuilder) Execution(rule *models.Rule, overrides ...func(*models.Execution)) *models.Execution {
	exec := &models.Execution{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		RuleSnapshot:   *rule.Clone(),
		Actions:        rule.Actions.Clone(),
		SubjectID:      StringPtr("rec-1"),
		TriggerType:    rule.TriggerType,
		TriggerPayload: models.JSONB{"to_status": "approved"},
		Status:         models.ExecutionStatusPending,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		MaxRetries:     3,
	}

	for _, override := range overrides {
		override(exec)
	}

	return exec
}

// Subject creates a business record
func (fb *FixtureBuilder) Subject(id string, overrides ...func(*models.Subject)) *models.Subject {
	subject := &models.Subject{
		ID:         id,
		Name:       "Jane Doe",
		Status:     "open",
		Email:      "jane@example.com",
		Phone:      "+15555550100",
		OwnerID:    "owner-1",
		Tags:       []string{"vip"},
		Attributes: map[string]interface{}{"source": "referral"},
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond),
	}

	for _, override := range overrides {
		override(subject)
	}

	return subject
}

// EventRecord creates a stored event
func (fb *FixtureBuilder) EventRecord(overrides ...func(*models.EventRecord)) *models.EventRecord {
	event := &models.EventRecord{
		ID:           uuid.New(),
		EventType:    models.TriggerRecordCreated,
		SubjectID:    "rec-1",
		ActorID:      "ops@example.com",
		Payload:      models.JSONB{"source": "api"},
		ExecutionIDs: []string{},
		ReceivedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}

	for _, override := range overrides {
		override(event)
	}

	return event
}

// StringPtr returns a pointer to a string
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to an int
func IntPtr(i int) *int {
	return &i
}

// TimePtr returns a pointer to a time
func TimePtr(t time.Time) *time.Time {
	return &t
}
