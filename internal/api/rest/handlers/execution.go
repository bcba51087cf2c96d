package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// Dispatcher is the part of engine.Dispatcher the API drives
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.TriggerEvent) (*models.DispatchResult, error)
	HandleWebhook(ctx context.Context, ruleID string, body []byte, signature string) (*models.Execution, error)
	ExecuteManually(ctx context.Context, ruleID string, in engine.SampleContext) (*models.Execution, error)
	Retry(ctx context.Context, executionID string) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) (*models.Execution, error)
}

// ExecutionReader reads executions and their logs
type ExecutionReader interface {
	GetExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, int64, error)
	ListLogEntries(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error)
}

// ExecutionHandler handles execution-related HTTP requests
type ExecutionHandler struct {
	logger     *logger.Logger
	executions ExecutionReader
	dispatcher Dispatcher
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(log *logger.Logger, executions ExecutionReader, dispatcher Dispatcher) *ExecutionHandler {
	return &ExecutionHandler{
		logger:     log,
		executions: executions,
		dispatcher: dispatcher,
	}
}

// ListExecutions handles GET /api/v1/executions?rule_id=&status=&subject_id=&limit=&offset=
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(r, 50, 100)
	filter := models.ExecutionFilter{Limit: limit, Offset: offset}

	if raw := query.Get("rule_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid rule_id")
			return
		}
		filter.RuleID = &id
	}

	if raw := query.Get("status"); raw != "" {
		status := models.ExecutionStatus(raw)
		if !status.IsValid() {
			RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown status")
			return
		}
		filter.Status = &status
	}

	if raw := query.Get("subject_id"); raw != "" {
		filter.SubjectID = &raw
	}

	executions, total, err := h.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to retrieve executions")
		return
	}

	RespondJSON(w, http.StatusOK, models.ExecutionListResponse{
		Executions: executions,
		Total:      total,
		Page:       offset/limit + 1,
		PageSize:   limit,
	})
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "execution")
	if !ok {
		return
	}

	exec, err := h.executions.GetExecutionByID(r.Context(), id.String())
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to get execution")
		return
	}

	RespondJSON(w, http.StatusOK, exec)
}

// GetExecutionLogs handles GET /api/v1/executions/{id}/logs
func (h *ExecutionHandler) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "execution")
	if !ok {
		return
	}

	if _, err := h.executions.GetExecutionByID(r.Context(), id.String()); err != nil {
		respondServiceError(w, h.logger, err, "Failed to get execution")
		return
	}

	entries, err := h.executions.ListLogEntries(r.Context(), id.String())
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to get execution logs")
		return
	}
	if entries == nil {
		entries = []*models.ExecutionLogEntry{}
	}

	RespondJSON(w, http.StatusOK, models.ExecutionLogsResponse{ExecutionID: id, Entries: entries})
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "execution")
	if !ok {
		return
	}

	exec, err := h.dispatcher.Cancel(r.Context(), id.String())
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to cancel execution")
		return
	}

	RespondJSON(w, http.StatusOK, exec)
}

// RetryExecution handles POST /api/v1/executions/{id}/retry
func (h *ExecutionHandler) RetryExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "execution")
	if !ok {
		return
	}

	exec, err := h.dispatcher.Retry(r.Context(), id.String())
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to retry execution")
		return
	}

	RespondJSON(w, http.StatusAccepted, models.ExecutionAccepted{ExecutionID: exec.ID, Status: exec.Status})
}
