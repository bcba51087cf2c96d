package engine

import (
	"errors"
	"fmt"

	"github.com/davidmoltin/record-automation/internal/models"
)

// ErrorKind classifies engine failures
type ErrorKind string

const (
	KindInvalidRuleConfig     ErrorKind = "invalid_rule_config"
	KindUnknownConditionType  ErrorKind = "unknown_condition_type"
	KindConditionEvaluation   ErrorKind = "condition_evaluation_error"
	KindActionValidation      ErrorKind = "action_validation_error"
	KindActionExecution       ErrorKind = "action_execution_error"
	KindSignatureVerification ErrorKind = "signature_verification_error"
	KindRetryExhausted        ErrorKind = "retry_exhausted"
)

// Sentinels for errors.Is checks against a kind
var (
	ErrInvalidRuleConfig     = &Error{Kind: KindInvalidRuleConfig}
	ErrUnknownConditionType  = &Error{Kind: KindUnknownConditionType}
	ErrConditionEvaluation   = &Error{Kind: KindConditionEvaluation}
	ErrActionValidation      = &Error{Kind: KindActionValidation}
	ErrActionExecution       = &Error{Kind: KindActionExecution}
	ErrSignatureVerification = &Error{Kind: KindSignatureVerification}
	ErrRetryExhausted        = &Error{Kind: KindRetryExhausted}
)

// Other engine sentinels
var (
	ErrRuleNotFound       = fmt.Errorf("rule %w", models.ErrNotFound)
	ErrExecutionNotFound  = fmt.Errorf("execution %w", models.ErrNotFound)
	ErrRuleInactive       = errors.New("rule is not active")
	ErrWrongTriggerType   = errors.New("rule does not accept this trigger type")
	ErrExecutionTerminal  = errors.New("execution already finished")
	ErrExecutionNotFailed = errors.New("only failed executions can be retried")
	ErrQueueFull          = errors.New("dispatch queue full")
	ErrDispatcherClosed   = errors.New("dispatcher is shutting down")
	ErrInvalidPayload     = errors.New("payload is not valid JSON")
)

// Error is an engine failure tagged with its kind
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of an engine error, or "" for anything else
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
