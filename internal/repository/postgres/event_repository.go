package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/database"
)

// EventRepository keeps the audit trail of ingested events
type EventRepository struct {
	db database.DBTX
}

// NewEventRepository creates a new event repository
func NewEventRepository(db database.DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// CreateEvent records an event together with the executions it started
func (r *EventRepository) CreateEvent(ctx context.Context, event *models.EventRecord) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	ids := event.ExecutionIDs
	if ids == nil {
		ids = []string{}
	}

	query := `
		INSERT INTO trigger_events (
			id, event_type, subject_id, actor_id, payload, execution_ids, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(
		ctx, query,
		event.ID, event.EventType, event.SubjectID, event.ActorID,
		event.Payload, pq.Array(ids), event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with pagination and filters
func (r *EventRepository) ListEvents(
	ctx context.Context,
	eventType *models.TriggerType,
	subjectID *string,
	limit, offset int,
) ([]*models.EventRecord, int64, error) {
	var typ *string
	if eventType != nil {
		s := string(*eventType)
		typ = &s
	}

	countQuery := `
		SELECT COUNT(*)
		FROM trigger_events
		WHERE ($1::varchar IS NULL OR event_type = $1)
		  AND ($2::varchar IS NULL OR subject_id = $2)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, typ, subjectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query := `
		SELECT id, event_type, subject_id, actor_id, payload, execution_ids, received_at
		FROM trigger_events
		WHERE ($1::varchar IS NULL OR event_type = $1)
		  AND ($2::varchar IS NULL OR subject_id = $2)
		ORDER BY received_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.QueryContext(ctx, query, typ, subjectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*models.EventRecord{}
	for rows.Next() {
		event := &models.EventRecord{}
		var executionIDs pq.StringArray
		err := rows.Scan(
			&event.ID, &event.EventType, &event.SubjectID, &event.ActorID,
			&event.Payload, &executionIDs, &event.ReceivedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan event: %w", err)
		}
		event.ExecutionIDs = executionIDs
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating events: %w", err)
	}

	return events, total, nil
}
