package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// SampleContext is the event-shaped input used to build an evaluation context
type SampleContext struct {
	SubjectID string                 `json:"subject_id,omitempty"`
	ActorID   string                 `json:"actor_id,omitempty"`
	ActorRole string                 `json:"actor_role,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ContextBuilder assembles evaluation contexts from the record store and the trigger payload
type ContextBuilder struct {
	records RecordReader
	clock   Clock
	logger  *logger.Logger
}

// NewContextBuilder creates a new context builder
func NewContextBuilder(records RecordReader, clock Clock, log *logger.Logger) *ContextBuilder {
	if clock == nil {
		clock = RealClock()
	}
	return &ContextBuilder{
		records: records,
		clock:   clock,
		logger:  log,
	}
}

// Build loads the subject snapshot and stamps the evaluation instant.
// A subject that no longer exists leaves Subject nil so subject conditions are unmatched.
func (cb *ContextBuilder) Build(ctx context.Context, in SampleContext) (*EvaluationContext, error) {
	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ec := &EvaluationContext{
		SubjectID: in.SubjectID,
		ActorID:   in.ActorID,
		ActorRole: in.ActorRole,
		Now:       cb.clock.Now(),
		Payload:   payload,
		Records:   cb.records,
	}
	if ec.ActorRole == "" {
		ec.ActorRole, _ = payload["actor_role"].(string)
	}

	if in.SubjectID == "" || cb.records == nil {
		return ec, nil
	}

	subject, err := cb.records.GetSubject(ctx, in.SubjectID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		cb.logger.Warnf("Subject %s not found, evaluating without a snapshot", in.SubjectID)
	case err != nil:
		return nil, fmt.Errorf("failed to load subject %s: %w", in.SubjectID, err)
	default:
		ec.Subject = subject
	}
	return ec, nil
}

// ForExecution rebuilds the context of a persisted execution. The subject is
// reloaded so a resumed run sees current data.
func (cb *ContextBuilder) ForExecution(ctx context.Context, exec *models.Execution) (*EvaluationContext, error) {
	return cb.Build(ctx, SampleContext{
		SubjectID: exec.Subject(),
		ActorID:   exec.Actor(),
		ActorRole: exec.ActorRole,
		Payload:   exec.TriggerPayload.Clone(),
	})
}
