package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/validator"
)

// ScheduleReader exposes the planned runs of time_scheduled rules
type ScheduleReader interface {
	GetSchedule(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error)
	GetNextRuns(ctx context.Context, ruleID uuid.UUID, count int) ([]time.Time, error)
	ValidateCronExpression(expression, timezone string) error
}

// ScheduleHandler handles schedule-related HTTP requests
type ScheduleHandler struct {
	logger    *logger.Logger
	schedules ScheduleReader
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(log *logger.Logger, schedules ScheduleReader) *ScheduleHandler {
	return &ScheduleHandler{
		logger:    log,
		schedules: schedules,
	}
}

// ScheduleResponse is a rule's schedule with its upcoming runs
type ScheduleResponse struct {
	*models.RuleSchedule
	NextRuns []time.Time `json:"next_runs"`
}

// GetRuleSchedule handles GET /api/v1/rules/{id}/schedule?count=
func (h *ScheduleHandler) GetRuleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	count := 5
	if c, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && c > 0 {
		count = c
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to get schedule")
		return
	}

	runs, err := h.schedules.GetNextRuns(r.Context(), id, count)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to calculate next runs")
		return
	}

	RespondJSON(w, http.StatusOK, ScheduleResponse{RuleSchedule: schedule, NextRuns: runs})
}

// ValidateCronRequest is the body of POST /api/v1/schedules/validate
type ValidateCronRequest struct {
	Cron     string `json:"cron" validate:"required"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// ValidateCron handles POST /api/v1/schedules/validate
func (h *ScheduleHandler) ValidateCron(w http.ResponseWriter, r *http.Request) {
	var req ValidateCronRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondDecodeError(w, err)
		return
	}

	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	if err := h.schedules.ValidateCronExpression(req.Cron, req.Timezone); err != nil {
		RespondJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}
