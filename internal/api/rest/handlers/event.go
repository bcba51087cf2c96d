package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/validator"
)

// EventStore keeps the trail of ingested events
type EventStore interface {
	CreateEvent(ctx context.Context, event *models.EventRecord) error
	ListEvents(ctx context.Context, eventType *models.TriggerType, subjectID *string, limit, offset int) ([]*models.EventRecord, int64, error)
}

// EventHandler handles event-related HTTP requests
type EventHandler struct {
	logger     *logger.Logger
	dispatcher Dispatcher
	events     EventStore
}

// NewEventHandler creates a new event handler. events may be nil.
func NewEventHandler(log *logger.Logger, dispatcher Dispatcher, events EventStore) *EventHandler {
	return &EventHandler{
		logger:     log,
		dispatcher: dispatcher,
		events:     events,
	}
}

// CreateEvent handles POST /api/v1/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.IngestEventRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondDecodeError(w, err)
		return
	}

	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	// webhooks and schedules have their own entry points
	switch req.EventType {
	case models.TriggerWebhook, models.TriggerTimeScheduled, models.TriggerScheduledInactivity:
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "event_type cannot be ingested directly")
		return
	}
	if !req.EventType.IsValid() {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown event_type")
		return
	}

	event := models.TriggerEvent{
		Type:      req.EventType,
		SubjectID: req.SubjectID,
		ActorID:   req.ActorID,
		ActorRole: req.ActorRole,
		Payload:   models.JSONB(req.Payload),
	}

	result, err := h.dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to process event")
		return
	}

	if h.events != nil {
		record := &models.EventRecord{
			EventType:    event.Type,
			SubjectID:    event.SubjectID,
			ActorID:      event.ActorID,
			Payload:      event.Payload,
			ExecutionIDs: result.ExecutionIDs,
			ReceivedAt:   time.Now().UTC(),
		}
		if err := h.events.CreateEvent(r.Context(), record); err != nil {
			// the runs are already queued
			h.logger.Warnf("Failed to record event %s: %v", event.Type, err)
		}
	}

	RespondJSON(w, http.StatusAccepted, result)
}

// ListEvents handles GET /api/v1/events?event_type=&subject_id=&limit=&offset=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		RespondError(w, http.StatusNotFound, "NOT_FOUND", "Event history is not enabled")
		return
	}

	query := r.URL.Query()
	limit, offset := pagination(r, 50, 100)

	var eventType *models.TriggerType
	if raw := query.Get("event_type"); raw != "" {
		t := models.TriggerType(raw)
		eventType = &t
	}
	var subjectID *string
	if raw := query.Get("subject_id"); raw != "" {
		subjectID = &raw
	}

	events, total, err := h.events.ListEvents(r.Context(), eventType, subjectID, limit, offset)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to list events")
		return
	}

	RespondJSON(w, http.StatusOK, models.EventListResponse{
		Events:   events,
		Total:    total,
		Page:     offset/limit + 1,
		PageSize: limit,
	})
}
