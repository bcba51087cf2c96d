package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/internal/services"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	Health    *HealthHandler
	Rule      *RuleHandler
	Event     *EventHandler
	Execution *ExecutionHandler
	Webhook   *WebhookHandler
	Schedule  *ScheduleHandler
	Letter    *LetterHandler
	Docs      *DocsHandler
}

// Dependencies holds what the handlers are built from. Letters may be nil when
// no language model is configured.
type Dependencies struct {
	Rules      RuleManager
	Planner    RulePlanner
	Dispatcher Dispatcher
	Executions ExecutionReader
	Events     EventStore
	Schedules  ScheduleReader
	Letters    LetterDrafter
	DB         HealthChecker
	Redis      HealthChecker
	Version    string
}

// NewHandlers creates a new handlers instance
func NewHandlers(log *logger.Logger, deps Dependencies) *Handlers {
	var letters *LetterHandler
	if deps.Letters != nil {
		letters = NewLetterHandler(log, deps.Letters)
	}

	return &Handlers{
		Health:    NewHealthHandler(log, deps.DB, deps.Redis, deps.Version),
		Rule:      NewRuleHandler(log, deps.Rules, deps.Planner, deps.Dispatcher),
		Event:     NewEventHandler(log, deps.Dispatcher, deps.Events),
		Execution: NewExecutionHandler(log, deps.Executions, deps.Dispatcher),
		Webhook:   NewWebhookHandler(log, deps.Dispatcher),
		Schedule:  NewScheduleHandler(log, deps.Schedules),
		Letter:    letters,
		Docs:      NewDocsHandler(),
	}
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RespondJSON writes a JSON response
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// respondServiceError maps domain errors onto HTTP statuses. Anything unrecognised is
// logged and answered with fallback so internal details never reach the client.
func respondServiceError(w http.ResponseWriter, log *logger.Logger, err error, fallback string) {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, models.ErrNotFound):
		RespondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &maxBytes):
		RespondError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
	case errors.Is(err, engine.ErrSignatureVerification):
		RespondError(w, http.StatusUnauthorized, string(engine.KindSignatureVerification), "Invalid webhook signature")
	case errors.Is(err, engine.ErrRetryExhausted):
		RespondError(w, http.StatusConflict, string(engine.KindRetryExhausted), err.Error())
	case errors.Is(err, engine.ErrInvalidRuleConfig),
		errors.Is(err, engine.ErrUnknownConditionType),
		errors.Is(err, engine.ErrActionValidation):
		RespondError(w, http.StatusUnprocessableEntity, string(engine.KindOf(err)), err.Error())
	case errors.Is(err, engine.ErrRuleInactive),
		errors.Is(err, engine.ErrWrongTriggerType),
		errors.Is(err, engine.ErrInvalidPayload):
		RespondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, engine.ErrExecutionTerminal),
		errors.Is(err, engine.ErrExecutionNotFailed),
		errors.Is(err, services.ErrTemplateActivation),
		errors.Is(err, models.ErrConflict):
		RespondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrDispatcherClosed):
		RespondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		log.Errorf("%s: %v", fallback, err)
		RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// decodeJSON reads a JSON body. An empty body leaves v untouched when optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return errEmptyBody
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

var errEmptyBody = errors.New("request body is required")

// respondDecodeError answers a body that could not be decoded
func respondDecodeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		RespondError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		return
	}
	RespondError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
}

// parseID validates a UUID path parameter
func parseID(w http.ResponseWriter, raw, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "INVALID_ID", "Invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads limit and offset with the given default and cap
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}
