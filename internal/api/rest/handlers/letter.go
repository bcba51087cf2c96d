package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/validator"
)

// LetterDrafter drafts a letter body from a prompt, implemented by services.LetterService
type LetterDrafter interface {
	DraftLetter(ctx context.Context, prompt string, data map[string]interface{}) (string, error)
}

// LetterHandler previews AI-drafted letters so operators can tune a
// generate_letter prompt before saving it in a rule
type LetterHandler struct {
	logger  *logger.Logger
	letters LetterDrafter
}

// NewLetterHandler creates a new letter handler
func NewLetterHandler(log *logger.Logger, letters LetterDrafter) *LetterHandler {
	return &LetterHandler{
		logger:  log,
		letters: letters,
	}
}

// DraftRequest is the body of POST /api/v1/letters/draft
type DraftRequest struct {
	Prompt  string                 `json:"prompt" validate:"required,max=4000"`
	Subject map[string]interface{} `json:"subject,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// DraftResponse carries the drafted letter
type DraftResponse struct {
	Content string `json:"content"`
}

// Draft handles POST /api/v1/letters/draft
func (h *LetterHandler) Draft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondDecodeError(w, err)
		return
	}

	if err := validator.Validate(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	content, err := h.letters.DraftLetter(r.Context(), req.Prompt, map[string]interface{}{
		"subject": req.Subject,
		"payload": req.Payload,
	})
	if err != nil {
		h.logger.Warnf("Letter draft failed: %v", err)
		respondLLMError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, DraftResponse{Content: content})
}

// respondLLMError handles LLM-specific errors
func respondLLMError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, llm.ErrInvalidAPIKey):
		RespondError(w, http.StatusBadGateway, "LLM_AUTH", "Language model rejected the configured API key")
	case errors.Is(err, llm.ErrInvalidRequest), errors.Is(err, llm.ErrContextLengthExceeded):
		RespondError(w, http.StatusBadRequest, "LLM_INVALID_REQUEST", err.Error())
	case errors.Is(err, llm.ErrRateLimitExceeded), errors.Is(err, llm.ErrQuotaExceeded):
		RespondError(w, http.StatusTooManyRequests, "LLM_RATE_LIMITED", "Language model rate limit exceeded")
	case llm.IsRetryable(err):
		RespondError(w, http.StatusServiceUnavailable, "LLM_UNAVAILABLE", "Language model is unavailable")
	default:
		RespondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to draft letter")
	}
}
