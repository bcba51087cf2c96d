package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

// CoordinatorOptions wires a Coordinator
type CoordinatorOptions struct {
	Executions ExecutionRepository
	Evaluator  *Evaluator
	Contexts   *ContextBuilder
	Actions    *ActionExecutor
	Validator  *RuleValidator
	Failures   FailureNotifier
	Clock      Clock
	Backoff    BackoffPolicy
	MaxRetries int
	Logger     *logger.Logger
}

// Coordinator owns the state machine of one execution at a time:
// pending -> running -> {completed, failed, skipped, cancelled}.
type Coordinator struct {
	executions ExecutionRepository
	evaluator  *Evaluator
	contexts   *ContextBuilder
	actions    *ActionExecutor
	validator  *RuleValidator
	failures   FailureNotifier
	clock      Clock
	backoff    BackoffPolicy
	maxRetries int
	observers  []ExecutionObserver
	logger     *logger.Logger
}

// NewCoordinator creates a new execution coordinator
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Validator == nil {
		opts.Validator = NewRuleValidator(opts.Evaluator, opts.Actions)
	}
	if opts.Backoff.BaseDelay == 0 {
		opts.Backoff = DefaultBackoffPolicy()
	}
	return &Coordinator{
		executions: opts.Executions,
		evaluator:  opts.Evaluator,
		contexts:   opts.Contexts,
		actions:    opts.Actions,
		validator:  opts.Validator,
		failures:   opts.Failures,
		clock:      opts.Clock,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// AddObserver registers a listener for persisted state changes
func (c *Coordinator) AddObserver(o ExecutionObserver) {
	c.observers = append(c.observers, o)
}

// NewExecution builds a pending execution that captures its own copy of the rule
func (c *Coordinator) NewExecution(rule *models.Rule, event models.TriggerEvent) *models.Execution {
	snapshot := rule.Clone()
	maxRetries := c.maxRetries
	if rule.MaxRetries != nil {
		maxRetries = *rule.MaxRetries
	}

	exec := &models.Execution{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		RuleSnapshot:   *snapshot,
		Actions:        snapshot.Actions.Clone(),
		TriggerType:    event.Type,
		TriggerPayload: event.Payload.Clone(),
		ActorRole:      event.ActorRole,
		Status:         models.ExecutionStatusPending,
		CreatedAt:      c.clock.Now(),
		MaxRetries:     maxRetries,
	}
	if event.SubjectID != "" {
		s := event.SubjectID
		exec.SubjectID = &s
	}
	if event.ActorID != "" {
		a := event.ActorID
		exec.ActorID = &a
	}
	return exec
}

// Create persists a new execution
func (c *Coordinator) Create(ctx context.Context, exec *models.Execution) error {
	if err := c.executions.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	c.publish(exec)
	return nil
}

// Start claims a pending execution, evaluates its conditions and runs its actions
func (c *Coordinator) Start(ctx context.Context, executionID string) error {
	exec, err := c.executions.ClaimExecution(ctx, executionID, models.ClaimStart, c.clock.Now())
	if err != nil {
		return c.claimError(executionID, models.ClaimStart, err)
	}
	if exec.StartedAt == nil {
		now := c.clock.Now()
		exec.StartedAt = &now
		exec.LastProgressAt = &now
	}
	c.publish(exec)
	return c.run(ctx, exec, true)
}

// Resume continues an execution whose wait has elapsed
func (c *Coordinator) Resume(ctx context.Context, executionID string) error {
	exec, err := c.executions.ClaimExecution(ctx, executionID, models.ClaimResume, c.clock.Now())
	if err != nil {
		return c.claimError(executionID, models.ClaimResume, err)
	}
	exec.ResumeAt = nil
	return c.run(ctx, exec, false)
}

// RetryScheduled re-runs a failed execution whose backoff has elapsed
func (c *Coordinator) RetryScheduled(ctx context.Context, executionID string) error {
	exec, err := c.executions.ClaimExecution(ctx, executionID, models.ClaimRetry, c.clock.Now())
	if err != nil {
		return c.claimError(executionID, models.ClaimRetry, err)
	}
	if err := c.prepareRetry(ctx, exec); err != nil {
		return err
	}
	return c.run(ctx, exec, false)
}

// Retry claims a failed execution for a manual retry and prepares its start step.
// The caller hands the returned execution to Continue.
func (c *Coordinator) Retry(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := c.executions.GetExecutionByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	if exec.Status != models.ExecutionStatusFailed {
		return nil, ErrExecutionNotFailed
	}
	if exec.RetryCount >= exec.MaxRetries {
		return nil, newError(KindRetryExhausted, "execution %s has used %d of %d retries", exec.ID, exec.RetryCount, exec.MaxRetries)
	}

	claimed, err := c.executions.ClaimExecution(ctx, executionID, models.ClaimManualRetry, c.clock.Now())
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, ErrExecutionNotFailed
		}
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}
	if err := c.prepareRetry(ctx, claimed); err != nil {
		return nil, err
	}
	return claimed, nil
}

// Continue runs an execution already claimed by Retry
func (c *Coordinator) Continue(ctx context.Context, exec *models.Execution) error {
	return c.run(ctx, exec, false)
}

// Cancel stops an execution. Waiting and pending runs are cancelled at once;
// a run in the middle of a step stops before its next step.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := c.executions.CancelExecution(ctx, executionID, c.clock.Now())
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil, ErrExecutionNotFound
	case errors.Is(err, models.ErrConflict):
		return nil, ErrExecutionTerminal
	case err != nil:
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}
	if exec.Status == models.ExecutionStatusCancelled {
		metrics.ExecutionsTotal.WithLabelValues(string(exec.TriggerType), string(exec.Status)).Inc()
		c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Info("Execution cancelled")
	}
	c.publish(exec)
	return exec, nil
}

// Abandon fails an execution that could not be queued. It is not retried automatically.
func (c *Coordinator) Abandon(ctx context.Context, exec *models.Execution, reason error) {
	c.finishFailed(ctx, exec, reason, false)
}

// AbandonID reloads an execution and fails it if it is still pending or running.
// Used when the in-memory copy may be behind what the owner already persisted.
func (c *Coordinator) AbandonID(ctx context.Context, executionID string, reason error) {
	exec, err := c.executions.GetExecutionByID(ctx, executionID)
	if err != nil {
		c.logger.Errorf("Failed to reload execution %s before failing it: %v", executionID, err)
		return
	}
	if exec.Status != models.ExecutionStatusPending && exec.Status != models.ExecutionStatusRunning {
		return
	}
	c.finishFailed(ctx, exec, reason, false)
}

// ReapStale fails exec if it is still stale at cutoff. It returns models.ErrConflict,
// and notifies nobody, when the execution was claimed or progressed after it was listed.
func (c *Coordinator) ReapStale(ctx context.Context, exec *models.Execution, cutoff time.Time, reason error) error {
	failed, err := c.executions.FailStale(ctx, exec.ID.String(), cutoff, c.clock.Now(), reason.Error())
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			c.logger.Debugf("Execution %s progressed, not reaping", exec.ID)
		}
		return err
	}

	msg := reason.Error()
	log := c.logger.WithExecution(failed.ID.String(), failed.RuleID.String())
	log.Error("Stale execution failed", logger.String("error", msg))
	metrics.ExecutionsTotal.WithLabelValues(string(failed.TriggerType), string(failed.Status)).Inc()
	c.publish(failed)
	if c.failures != nil {
		if err := c.failures.NotifyExecutionFailure(ctx, failed, msg); err != nil {
			log.Warn("Failed to send failure notification", logger.Err(err))
		}
	}
	return nil
}

// prepareRetry picks the start step. The run restarts from step 0 when every step
// before the failed one is idempotent, and resumes at the failed step otherwise.
func (c *Coordinator) prepareRetry(ctx context.Context, exec *models.Execution) error {
	failedStep := exec.CurrentStep
	if failedStep > len(exec.Actions) {
		failedStep = len(exec.Actions)
	}

	restart := true
	for _, action := range exec.Actions[:failedStep] {
		if !c.actions.Idempotent(action.Type) {
			restart = false
			break
		}
	}
	if restart {
		exec.CurrentStep = 0
		exec.Actions = exec.RuleSnapshot.Actions.Clone()
	}

	exec.Status = models.ExecutionStatusRunning
	exec.ErrorMessage = nil
	exec.CompletedAt = nil
	exec.NextRetryAt = nil
	exec.ResumeAt = nil

	c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Info("Retrying execution",
		logger.Int("attempt", exec.RetryCount),
		logger.Int("start_step", exec.CurrentStep),
		logger.Bool("restart", restart),
	)
	return c.persist(ctx, exec)
}

// run drives an owned execution from its current step. evaluate is true only for the first pass.
func (c *Coordinator) run(ctx context.Context, exec *models.Execution, evaluate bool) error {
	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()
	start := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(string(exec.TriggerType)).Observe(time.Since(start).Seconds())
	}()

	log := c.logger.WithExecution(exec.ID.String(), exec.RuleID.String())
	rule := &exec.RuleSnapshot

	if evaluate {
		if err := c.validator.Validate(rule); err != nil {
			log.Warn("Rule snapshot is invalid", logger.Err(err))
			return c.finishFailed(ctx, exec, err, false)
		}
	}

	ec, err := c.contexts.ForExecution(ctx, exec)
	if err != nil {
		return c.finishFailed(ctx, exec, err, true)
	}

	if evaluate {
		res, err := c.evaluator.Evaluate(ctx, rule.Conditions, ec)
		if err != nil {
			log.Warn("Condition evaluation failed, skipping", logger.Err(err))
			return c.finishSkipped(ctx, exec, err.Error())
		}
		if !res.Matched {
			log.Debug("Conditions not met", logger.String("explanation", res.Explanation))
			return c.finishSkipped(ctx, exec, res.Explanation)
		}
	}

	policy := rule.EffectiveFailurePolicy()
	for exec.CurrentStep < len(exec.Actions) {
		if err := ctx.Err(); err != nil {
			// left running; the stale reaper or the next retry takes over
			return err
		}
		if cancelled, err := c.cancelRequested(ctx, exec); err != nil {
			return err
		} else if cancelled {
			return c.finishCancelled(ctx, exec)
		}

		step := exec.CurrentStep
		action := exec.Actions[step]
		ec.Now = c.clock.Now()
		xc := &ExecutionContext{
			EvaluationContext: ec,
			ExecutionID:       exec.ID.String(),
			RuleID:            exec.RuleID.String(),
			RuleName:          rule.Name,
			StepIndex:         step,
			Attempt:           exec.RetryCount,
		}

		stepStart := time.Now()
		res := c.actions.Execute(ctx, action, xc)
		if err := c.appendLog(ctx, exec, step, action, res, time.Since(stepStart)); err != nil {
			return c.finishFailed(ctx, exec, err, true)
		}

		if !res.Success {
			if c.actions.ContinueOnError(action, policy) {
				log.Info("Step failed, continuing",
					logger.Int("step", step),
					logger.String("action_type", string(action.Type)),
					logger.String("error", res.ErrorMessage),
				)
				exec.CurrentStep++
				if err := c.persist(ctx, exec); err != nil {
					return err
				}
				continue
			}
			stepErr := &Error{Kind: res.ErrorKind, Message: fmt.Sprintf("step %d (%s) failed: %s", step, action.Type, res.ErrorMessage)}
			return c.finishFailed(ctx, exec, stepErr, res.ErrorKind == KindActionExecution)
		}

		if len(res.Insert) > 0 {
			exec.Actions = splice(exec.Actions, step+1, res.Insert)
		}
		exec.CurrentStep++

		if res.ResumeAt != nil {
			exec.ResumeAt = res.ResumeAt
			log.Info("Execution waiting", logger.Int("step", step), logger.String("resume_at", res.ResumeAt.Format(time.RFC3339)))
			return c.persist(ctx, exec)
		}
		if err := c.persist(ctx, exec); err != nil {
			return err
		}
	}

	return c.finishCompleted(ctx, exec)
}

func (c *Coordinator) cancelRequested(ctx context.Context, exec *models.Execution) (bool, error) {
	current, err := c.executions.GetExecutionByID(ctx, exec.ID.String())
	if err != nil {
		return false, fmt.Errorf("failed to reload execution: %w", err)
	}
	return current.CancelRequested, nil
}

func (c *Coordinator) appendLog(
	ctx context.Context,
	exec *models.Execution,
	step int,
	action models.ActionDescriptor,
	res *ActionResult,
	took time.Duration,
) error {
	entry := &models.ExecutionLogEntry{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		Attempt:     exec.RetryCount,
		StepIndex:   step,
		ActionType:  action.Type,
		Status:      models.LogStatusSuccess,
		Input:       action.Config.Clone(),
		Output:      models.JSONB(res.Output),
		DurationMs:  took.Milliseconds(),
		CreatedAt:   c.clock.Now(),
	}
	if action.Name != "" {
		entry.Input["_name"] = action.Name
	}
	if !res.Success {
		entry.Status = models.LogStatusFailed
		msg := res.ErrorMessage
		entry.ErrorMessage = &msg
	}
	if err := c.executions.AppendLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	for _, o := range c.observers {
		o.LogEntryAppended(entry)
	}
	return nil
}

func (c *Coordinator) finishCompleted(ctx context.Context, exec *models.Execution) error {
	now := c.clock.Now()
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &now
	exec.ErrorMessage = nil
	exec.ResumeAt = nil
	c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Info("Execution completed",
		logger.Int("steps", len(exec.Actions)))
	return c.finish(ctx, exec)
}

func (c *Coordinator) finishSkipped(ctx context.Context, exec *models.Execution, reason string) error {
	now := c.clock.Now()
	exec.Status = models.ExecutionStatusSkipped
	exec.CompletedAt = &now
	c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Debug("Execution skipped",
		logger.String("reason", reason))
	return c.finish(ctx, exec)
}

func (c *Coordinator) finishCancelled(ctx context.Context, exec *models.Execution) error {
	now := c.clock.Now()
	exec.Status = models.ExecutionStatusCancelled
	exec.CompletedAt = &now
	exec.ResumeAt = nil
	c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Info("Execution cancelled",
		logger.Int("step", exec.CurrentStep))
	return c.finish(ctx, exec)
}

// finishFailed records the failure and either schedules a coordinator retry or fails for good
func (c *Coordinator) finishFailed(ctx context.Context, exec *models.Execution, cause error, retryable bool) error {
	now := c.clock.Now()
	msg := cause.Error()
	exec.Status = models.ExecutionStatusFailed
	exec.CompletedAt = &now
	exec.ErrorMessage = &msg
	exec.ResumeAt = nil
	exec.NextRetryAt = nil

	log := c.logger.WithExecution(exec.ID.String(), exec.RuleID.String())
	if retryable && exec.RetryCount < exec.MaxRetries {
		next := now.Add(c.backoff.Delay(exec.RetryCount))
		exec.NextRetryAt = &next
		metrics.RetriesScheduled.Inc()
		log.Warn("Execution failed, retry scheduled",
			logger.String("error", msg),
			logger.Int("retry_count", exec.RetryCount),
			logger.String("next_retry_at", next.Format(time.RFC3339)),
		)
		if err := c.persist(ctx, exec); err != nil {
			return err
		}
		return nil
	}

	reason := msg
	if retryable {
		exhausted := wrapError(KindRetryExhausted, cause, "gave up after %d retries", exec.RetryCount)
		reason = exhausted.Error()
		exec.ErrorMessage = &reason
		exec.RetriesExhausted = true
		metrics.RetriesExhausted.Inc()
	}
	log.Error("Execution failed", logger.String("error", reason))

	if err := c.finish(ctx, exec); err != nil {
		return err
	}
	if c.failures != nil {
		if err := c.failures.NotifyExecutionFailure(ctx, exec, reason); err != nil {
			log.Warn("Failed to send failure notification", logger.Err(err))
		}
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context, exec *models.Execution) error {
	metrics.ExecutionsTotal.WithLabelValues(string(exec.TriggerType), string(exec.Status)).Inc()
	return c.persist(ctx, exec)
}

func (c *Coordinator) persist(ctx context.Context, exec *models.Execution) error {
	now := c.clock.Now()
	exec.LastProgressAt = &now
	if err := c.executions.UpdateExecution(ctx, exec); err != nil {
		c.logger.WithExecution(exec.ID.String(), exec.RuleID.String()).Error("Failed to persist execution", logger.Err(err))
		return fmt.Errorf("failed to update execution: %w", err)
	}
	c.publish(exec)
	return nil
}

func (c *Coordinator) publish(exec *models.Execution) {
	for _, o := range c.observers {
		o.ExecutionUpdated(exec)
	}
}

func (c *Coordinator) claimError(id string, kind models.ClaimKind, err error) error {
	if errors.Is(err, models.ErrConflict) {
		c.logger.Debugf("Execution %s not claimable for %s", id, kind)
		return err
	}
	if errors.Is(err, models.ErrNotFound) {
		return ErrExecutionNotFound
	}
	return fmt.Errorf("failed to claim execution %s: %w", id, err)
}

// splice inserts list at position at
func splice(actions models.ActionList, at int, list models.ActionList) models.ActionList {
	out := make(models.ActionList, 0, len(actions)+len(list))
	out = append(out, actions[:at]...)
	out = append(out, list.Clone()...)
	return append(out, actions[at:]...)
}
