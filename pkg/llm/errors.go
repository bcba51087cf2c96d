package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidProvider       = errors.New("invalid provider")
	ErrInvalidAPIKey         = errors.New("invalid or missing API key")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrModelNotFound         = errors.New("model not found")
	ErrContextLengthExceeded = errors.New("context length exceeded")
	ErrTimeout               = errors.New("request timeout")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrUnknown               = errors.New("unknown error")
)

// ErrorType classifies provider failures
type ErrorType string

const (
	ErrorTypeInvalidRequest        ErrorType = "invalid_request"
	ErrorTypeAuthentication        ErrorType = "authentication"
	ErrorTypeRateLimit             ErrorType = "rate_limit"
	ErrorTypeQuota                 ErrorType = "quota_exceeded"
	ErrorTypeModelNotFound         ErrorType = "model_not_found"
	ErrorTypeContextLengthExceeded ErrorType = "context_length_exceeded"
	ErrorTypeTimeout               ErrorType = "timeout"
	ErrorTypeServiceUnavailable    ErrorType = "service_unavailable"
	ErrorTypeUnknown               ErrorType = "unknown"
)

var sentinels = map[ErrorType]error{
	ErrorTypeInvalidRequest:        ErrInvalidRequest,
	ErrorTypeAuthentication:        ErrInvalidAPIKey,
	ErrorTypeRateLimit:             ErrRateLimitExceeded,
	ErrorTypeQuota:                 ErrQuotaExceeded,
	ErrorTypeModelNotFound:         ErrModelNotFound,
	ErrorTypeContextLengthExceeded: ErrContextLengthExceeded,
	ErrorTypeTimeout:               ErrTimeout,
	ErrorTypeServiceUnavailable:    ErrServiceUnavailable,
}

// Error is a provider error mapped onto ErrorType
type Error struct {
	Type          ErrorType
	Message       string
	Provider      Provider
	OriginalError error
}

func (e *Error) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s error from %s: %s (original: %v)",
			e.Type, e.Provider, e.Message, e.OriginalError)
	}
	return fmt.Sprintf("%s error from %s: %s", e.Type, e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.OriginalError
}

// Is matches the sentinel for e.Type; unmapped types match ErrUnknown
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Type]; ok {
		return target == s
	}
	return target == ErrUnknown
}

// NewError creates a new LLM error
func NewError(provider Provider, errType ErrorType, message string, originalErr error) *Error {
	return &Error{
		Type:          errType,
		Message:       message,
		Provider:      provider,
		OriginalError: originalErr,
	}
}

// IsRetryable reports whether a later attempt may succeed
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		switch llmErr.Type {
		case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeServiceUnavailable:
			return true
		}
	}
	return false
}

// Do runs call up to cfg.MaxRetries+1 times with a linear delay, mapping each
// failure with mapErr and stopping at the first non-retryable one.
func Do(ctx context.Context, cfg *Config, call func() error, mapErr func(error) error) error {
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err = call(); err == nil {
			return nil
		}
		err = mapErr(err)
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
