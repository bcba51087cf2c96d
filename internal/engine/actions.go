package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

// ExecutionContext is what an action handler sees of the run it belongs to
type ExecutionContext struct {
	*EvaluationContext
	ExecutionID string
	RuleID      string
	RuleName    string
	StepIndex   int
	Attempt     int
}

// ActionResult is the structured outcome of one action invocation
type ActionResult struct {
	Success      bool                   `json:"success"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	// ErrorKind classifies a failure for the coordinator's retry decision
	ErrorKind ErrorKind `json:"-"`
	// ResumeAt parks the run until the given instant
	ResumeAt *time.Time `json:"-"`
	// Insert is spliced into the remaining action list right after this step
	Insert models.ActionList `json:"-"`
}

func succeeded(output map[string]interface{}) *ActionResult {
	return &ActionResult{Success: true, Output: output}
}

// ActionHandler implements one action type
type ActionHandler interface {
	Type() models.ActionType
	// Validate checks required configuration without side effects
	Validate(config models.JSONB) error
	// Execute performs the action's single side effect
	Execute(ctx context.Context, config models.JSONB, ec *ExecutionContext) (*ActionResult, error)
	// Describe explains what Execute would do and how long it would take
	Describe(ctx context.Context, config models.JSONB, ec *ExecutionContext) (string, time.Duration)
	// Idempotent reports whether running the action twice has the same effect as once
	Idempotent() bool
	// ContinueOnError is the type's default failure policy
	ContinueOnError() bool
}

// ActionRegistry maps action types to their handlers.
// It is safe for concurrent reads; Register should only be called at startup.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]ActionHandler
}

// NewActionRegistry creates an empty registry
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[models.ActionType]ActionHandler)}
}

// Register adds a handler. Panics on duplicate type to surface misconfiguration early.
func (r *ActionRegistry) Register(h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Get returns the handler for the given type
func (r *ActionRegistry) Get(t models.ActionType) (ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, newError(KindActionValidation, "no handler registered for action type %q", t)
	}
	return h, nil
}

// Types returns all registered action types, sorted
func (r *ActionRegistry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ActionType, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActionExecutor dispatches descriptors to registered handlers
type ActionExecutor struct {
	registry *ActionRegistry
	logger   *logger.Logger
}

// NewActionExecutor creates a new action executor
func NewActionExecutor(registry *ActionRegistry, log *logger.Logger) *ActionExecutor {
	return &ActionExecutor{
		registry: registry,
		logger:   log,
	}
}

// Registry returns the handler registry
func (ae *ActionExecutor) Registry() *ActionRegistry {
	return ae.registry
}

// Execute runs one action. It never returns an error or panics: every failure is
// reported through ActionResult.Success and ErrorMessage.
func (ae *ActionExecutor) Execute(ctx context.Context, action models.ActionDescriptor, ec *ExecutionContext) (result *ActionResult) {
	start := time.Now()
	defer func() {
		status := "success"
		if !result.Success {
			status = "failed"
		}
		metrics.StepsTotal.WithLabelValues(string(action.Type), status).Inc()
		metrics.StepDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			ae.logger.Errorf("Action %s panicked at step %d: %v\n%s", action.Type, ec.StepIndex, r, debug.Stack())
			result = failed(newError(KindActionExecution, "%s panicked: %v", action.Type, r), nil)
		}
	}()

	handler, err := ae.registry.Get(action.Type)
	if err != nil {
		return failed(err, nil)
	}

	config := action.Config
	if config == nil {
		config = models.JSONB{}
	}
	if err := handler.Validate(config); err != nil {
		return failed(wrapError(KindActionValidation, err, "%s", action.Type), nil)
	}

	res, err := handler.Execute(ctx, config, ec)
	if err != nil {
		if KindOf(err) == "" {
			err = wrapError(KindActionExecution, err, "%s", action.Type)
		}
		var output map[string]interface{}
		if res != nil {
			output = res.Output
		}
		ae.logger.Warnf("Action %s failed at step %d: %v", action.Type, ec.StepIndex, err)
		return failed(err, output)
	}
	if res == nil {
		res = succeeded(nil)
	}
	res.Success = true
	return res
}

// Validate checks a descriptor against its handler without executing it
func (ae *ActionExecutor) Validate(action models.ActionDescriptor) error {
	handler, err := ae.registry.Get(action.Type)
	if err != nil {
		return err
	}
	config := action.Config
	if config == nil {
		config = models.JSONB{}
	}
	if err := handler.Validate(config); err != nil {
		return wrapError(KindActionValidation, err, "%s", action.Type)
	}
	return nil
}

// ContinueOnError resolves the failure policy for one step: the descriptor
// override, then the rule policy, then the handler default.
func (ae *ActionExecutor) ContinueOnError(action models.ActionDescriptor, policy models.FailurePolicy) bool {
	if action.ContinueOnError != nil {
		return *action.ContinueOnError
	}
	if policy == models.FailurePolicyContinue {
		return true
	}
	handler, err := ae.registry.Get(action.Type)
	if err != nil {
		return false
	}
	return handler.ContinueOnError()
}

// Idempotent reports whether a step of this type can safely run again
func (ae *ActionExecutor) Idempotent(t models.ActionType) bool {
	handler, err := ae.registry.Get(t)
	if err != nil {
		return false
	}
	return handler.Idempotent()
}

func failed(err error, output map[string]interface{}) *ActionResult {
	kind := KindOf(err)
	if kind == "" {
		kind = KindActionExecution
	}
	return &ActionResult{
		Success:      false,
		Output:       output,
		ErrorMessage: err.Error(),
		ErrorKind:    kind,
	}
}
