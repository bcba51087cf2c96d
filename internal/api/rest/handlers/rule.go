package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/davidmoltin/record-automation/internal/api/rest/middleware"
	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/validator"
)

// RuleManager is the rule CRUD surface, implemented by services.RuleService
type RuleManager interface {
	Create(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error)
	Get(ctx context.Context, id string) (*models.Rule, error)
	List(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error)
	Update(ctx context.Context, id string, req *models.UpdateRuleRequest) (*models.Rule, error)
	SetActive(ctx context.Context, id string, active bool) (*models.Rule, error)
	Delete(ctx context.Context, id string) error
	Instantiate(ctx context.Context, templateID, name string) (*models.Rule, error)
}

// RulePlanner dry-runs a rule
type RulePlanner interface {
	Plan(ctx context.Context, ruleID string, sample engine.SampleContext) (*models.ExecutionPlan, error)
}

// RuleHandler handles rule-related HTTP requests
type RuleHandler struct {
	logger     *logger.Logger
	rules      RuleManager
	planner    RulePlanner
	dispatcher Dispatcher
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(log *logger.Logger, rules RuleManager, planner RulePlanner, dispatcher Dispatcher) *RuleHandler {
	return &RuleHandler{
		logger:     log,
		rules:      rules,
		planner:    planner,
		dispatcher: dispatcher,
	}
}

// Create handles POST /api/v1/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRuleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondDecodeError(w, err)
		return
	}

	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	rule, err := h.rules.Create(r.Context(), &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to create rule")
		return
	}

	RespondJSON(w, http.StatusCreated, rule)
}

// Get handles GET /api/v1/rules/{id}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	rule, err := h.rules.Get(r.Context(), id.String())
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to get rule")
		return
	}

	RespondJSON(w, http.StatusOK, rule)
}

// List handles GET /api/v1/rules?trigger_type=&active=&template=&limit=&offset=
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pagination(r, 20, 100)
	filter := models.RuleFilter{Limit: limit, Offset: offset}

	if raw := query.Get("trigger_type"); raw != "" {
		t := models.TriggerType(raw)
		if !t.IsValid() {
			RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown trigger_type")
			return
		}
		filter.TriggerType = &t
	}
	if raw := query.Get("active"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &b
		}
	}
	if raw := query.Get("template"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			filter.Template = &b
		}
	}

	rules, total, err := h.rules.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to list rules")
		return
	}

	RespondJSON(w, http.StatusOK, models.RuleListResponse{
		Rules:    rules,
		Total:    total,
		Page:     offset/limit + 1,
		PageSize: limit,
	})
}

// Update handles PUT /api/v1/rules/{id}
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	var req models.UpdateRuleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondDecodeError(w, err)
		return
	}

	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	rule, err := h.rules.Update(r.Context(), id.String(), &req)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to update rule")
		return
	}

	RespondJSON(w, http.StatusOK, rule)
}

// Delete handles DELETE /api/v1/rules/{id}
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	if err := h.rules.Delete(r.Context(), id.String()); err != nil {
		respondServiceError(w, h.logger, err, "Failed to delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/v1/rules/{id}/activate
func (h *RuleHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate handles POST /api/v1/rules/{id}/deactivate
func (h *RuleHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *RuleHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	rule, err := h.rules.SetActive(r.Context(), id.String(), active)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to change rule state")
		return
	}

	RespondJSON(w, http.StatusOK, rule)
}

// Instantiate handles POST /api/v1/rules/{id}/instantiate, copying a template
// into a new active rule
func (h *RuleHandler) Instantiate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name" validate:"omitempty,max=255"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		respondDecodeError(w, err)
		return
	}
	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	rule, err := h.rules.Instantiate(r.Context(), id.String(), req.Name)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to instantiate template")
		return
	}

	RespondJSON(w, http.StatusCreated, rule)
}

// TestRule handles POST /api/v1/rules/{id}/test. Nothing is executed or stored.
func (h *RuleHandler) TestRule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	var req models.TestRuleRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondDecodeError(w, err)
		return
	}

	sample := engine.SampleContext{
		SubjectID: deref(req.SubjectID),
		ActorID:   deref(req.ActorID),
		ActorRole: req.ActorRole,
		Payload:   req.SamplePayload,
	}

	plan, err := h.planner.Plan(r.Context(), id.String(), sample)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to test rule")
		return
	}

	RespondJSON(w, http.StatusOK, plan)
}

// Execute handles POST /api/v1/rules/{id}/execute. The run is queued and the
// execution returned at once.
func (h *RuleHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "rule")
	if !ok {
		return
	}

	var req models.ExecuteRuleRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondDecodeError(w, err)
		return
	}

	sample := engine.SampleContext{
		SubjectID: deref(req.SubjectID),
		ActorID:   deref(req.ActorID),
		ActorRole: req.ActorRole,
		Payload:   req.Payload,
	}
	// the operator is the actor unless the body says otherwise
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		if sample.ActorID == "" {
			sample.ActorID = claims.Subject
		}
		if sample.ActorRole == "" {
			sample.ActorRole = claims.Role
		}
	}

	exec, err := h.dispatcher.ExecuteManually(r.Context(), id.String(), sample)
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to execute rule")
		return
	}

	RespondJSON(w, http.StatusAccepted, models.ExecutionAccepted{ExecutionID: exec.ID, Status: exec.Status})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
