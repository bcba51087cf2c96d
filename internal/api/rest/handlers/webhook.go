package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body
const SignatureHeader = "X-Webhook-Signature"

// WebhookHandler admits inbound webhooks for webhook-triggered rules
type WebhookHandler struct {
	logger     *logger.Logger
	dispatcher Dispatcher
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(log *logger.Logger, dispatcher Dispatcher) *WebhookHandler {
	return &WebhookHandler{
		logger:     log,
		dispatcher: dispatcher,
	}
}

// Receive handles POST /webhooks/{ruleId}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := parseID(w, chi.URLParam(r, "ruleId"), "rule")
	if !ok {
		return
	}

	// the signature covers the exact bytes received
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondDecodeError(w, err)
		return
	}

	exec, err := h.dispatcher.HandleWebhook(r.Context(), ruleID.String(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		respondServiceError(w, h.logger, err, "Failed to process webhook")
		return
	}

	RespondJSON(w, http.StatusOK, models.ExecutionAccepted{ExecutionID: exec.ID, Status: exec.Status})
}
