package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

type jobKind int

const (
	jobStart jobKind = iota
	jobResume
	jobRetry
	jobContinue
)

func (k jobKind) String() string {
	switch k {
	case jobStart:
		return "start"
	case jobResume:
		return "resume"
	case jobRetry:
		return "retry"
	case jobContinue:
		return "continue"
	}
	return "unknown"
}

type dispatchJob struct {
	kind      jobKind
	execution *models.Execution
}

// DispatcherOptions sizes the per-trigger worker pools
type DispatcherOptions struct {
	Workers   int
	QueueSize int
}

// Dispatcher routes trigger events to matching rules and runs each match on a
// bounded worker pool per trigger type.
type Dispatcher struct {
	rules       RuleRepository
	coordinator *Coordinator
	clock       Clock
	logger      *logger.Logger
	opts        DispatcherOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	pools  map[models.TriggerType]*workerPool[dispatchJob]
	closed bool
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(rules RuleRepository, coordinator *Coordinator, clock Clock, opts DispatcherOptions, log *logger.Logger) *Dispatcher {
	if clock == nil {
		clock = RealClock()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		rules:       rules,
		coordinator: coordinator,
		clock:       clock,
		logger:      log,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		pools:       make(map[models.TriggerType]*workerPool[dispatchJob]),
	}
}

// Dispatch starts one run per active rule listening for the event's trigger type.
// It returns once the runs are queued; one rule's failure never affects another.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.TriggerEvent) (*models.DispatchResult, error) {
	if !event.Type.IsValid() {
		return nil, fmt.Errorf("unknown trigger type %q", event.Type)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = d.clock.Now()
	}
	metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()

	rules, err := d.rules.ListActiveRulesByTrigger(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to find rules for %s: %w", event.Type, err)
	}

	result := &models.DispatchResult{EventType: event.Type, ExecutionIDs: []string{}}
	for _, rule := range rules {
		if !rule.IsActive || rule.IsTemplate {
			continue
		}
		result.MatchedRules++
		exec, err := d.DispatchToRule(ctx, rule, event)
		if err != nil {
			d.logger.Errorf("Failed to dispatch %s to rule %s: %v", event.Type, rule.ID, err)
			continue
		}
		result.ExecutionIDs = append(result.ExecutionIDs, exec.ID.String())
	}

	d.logger.Debugf("Dispatched %s to %d rule(s)", event.Type, len(result.ExecutionIDs))
	return result, nil
}

// DispatchToRule creates one pending execution of rule for event and queues it
func (d *Dispatcher) DispatchToRule(ctx context.Context, rule *models.Rule, event models.TriggerEvent) (*models.Execution, error) {
	exec := d.coordinator.NewExecution(rule, event)
	if err := d.coordinator.Create(ctx, exec); err != nil {
		return nil, err
	}
	if err := d.enqueue(dispatchJob{kind: jobStart, execution: exec}); err != nil {
		d.coordinator.Abandon(ctx, exec, err)
		return exec, nil
	}
	return exec, nil
}

// InactiveSubject is one record found by the inactivity scan
type InactiveSubject struct {
	SubjectID      string
	LastActivityAt *time.Time
}

// DispatchInactivity runs rule once per subject found by the inactivity scan
func (d *Dispatcher) DispatchInactivity(ctx context.Context, rule *models.Rule, subjects []InactiveSubject) (int, error) {
	if rule.TriggerType != models.TriggerScheduledInactivity {
		return 0, ErrWrongTriggerType
	}
	days := rule.IntSetting("inactivity_days", 0)
	started := 0
	for _, s := range subjects {
		payload := models.JSONB{"inactivity_days": days}
		if s.LastActivityAt != nil {
			payload["last_activity_at"] = s.LastActivityAt.Format(time.RFC3339)
		}
		event := models.TriggerEvent{
			Type:       models.TriggerScheduledInactivity,
			SubjectID:  s.SubjectID,
			Payload:    payload,
			ReceivedAt: d.clock.Now(),
		}
		metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
		if _, err := d.DispatchToRule(ctx, rule, event); err != nil {
			d.logger.Errorf("Failed to dispatch inactivity run of rule %s for %s: %v", rule.ID, s.SubjectID, err)
			continue
		}
		started++
	}
	return started, nil
}

// HandleWebhook verifies and admits an inbound webhook for one rule
func (d *Dispatcher) HandleWebhook(ctx context.Context, ruleID string, body []byte, signature string) (*models.Execution, error) {
	rule, err := d.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}

	if secret := rule.WebhookSecret(); secret != "" {
		if err := VerifySignature(body, signature, secret); err != nil {
			d.logger.Warnf("Rejected webhook for rule %s: %v", ruleID, err)
			return nil, err
		}
	}
	if !rule.IsActive || rule.IsTemplate {
		return nil, ErrRuleInactive
	}
	if rule.TriggerType != models.TriggerWebhook {
		return nil, ErrWrongTriggerType
	}

	payload, err := decodeWebhookBody(body)
	if err != nil {
		return nil, err
	}
	event := models.TriggerEvent{
		Type:       models.TriggerWebhook,
		SubjectID:  firstString(payload, "subject_id", "subjectId"),
		ActorID:    firstString(payload, "actor_id", "actorId"),
		ActorRole:  firstString(payload, "actor_role", "actorRole"),
		Payload:    payload,
		ReceivedAt: d.clock.Now(),
	}
	metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
	return d.DispatchToRule(ctx, rule, event)
}

// ExecuteManually queues a run of any active rule regardless of its trigger type
func (d *Dispatcher) ExecuteManually(ctx context.Context, ruleID string, in SampleContext) (*models.Execution, error) {
	rule, err := d.rules.GetRuleByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	if !rule.IsActive || rule.IsTemplate {
		return nil, ErrRuleInactive
	}
	event := models.TriggerEvent{
		Type:       models.TriggerManual,
		SubjectID:  in.SubjectID,
		ActorID:    in.ActorID,
		ActorRole:  in.ActorRole,
		Payload:    models.JSONB(in.Payload).Clone(),
		ReceivedAt: d.clock.Now(),
	}
	metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
	return d.DispatchToRule(ctx, rule, event)
}

// Resume queues a waiting execution whose resume time has passed
func (d *Dispatcher) Resume(exec *models.Execution) error {
	return d.enqueue(dispatchJob{kind: jobResume, execution: exec})
}

// RetryDue queues a failed execution whose backoff has elapsed
func (d *Dispatcher) RetryDue(exec *models.Execution) error {
	return d.enqueue(dispatchJob{kind: jobRetry, execution: exec})
}

// Retry performs a manual retry: the claim is synchronous, the run is queued
func (d *Dispatcher) Retry(ctx context.Context, executionID string) (*models.Execution, error) {
	exec, err := d.coordinator.Retry(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := d.enqueue(dispatchJob{kind: jobContinue, execution: exec}); err != nil {
		d.coordinator.Abandon(ctx, exec, err)
		return exec, err
	}
	return exec, nil
}

// Cancel cancels an execution through the coordinator
func (d *Dispatcher) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	return d.coordinator.Cancel(ctx, executionID)
}

func (d *Dispatcher) enqueue(job dispatchJob) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	pool, ok := d.pools[job.execution.TriggerType]
	d.mu.RUnlock()

	if !ok {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return ErrDispatcherClosed
		}
		pool, ok = d.pools[job.execution.TriggerType]
		if !ok {
			pool = newWorkerPool(d.ctx, d.opts.Workers, d.opts.QueueSize, d.process)
			d.pools[job.execution.TriggerType] = pool
		}
		d.mu.Unlock()
	}

	trigger := string(job.execution.TriggerType)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if !pool.Submit(job) {
		metrics.DispatchDropped.WithLabelValues(trigger).Inc()
		d.logger.Warnf("Dispatch queue for %s full, dropping %s of execution %s", trigger, job.kind, job.execution.ID)
		return ErrQueueFull
	}
	metrics.DispatchEnqueued.WithLabelValues(trigger).Inc()
	metrics.DispatchQueueDepth.WithLabelValues(trigger).Set(float64(pool.QueueLen()))
	return nil
}

// process runs one job in isolation. A panic fails only that execution.
func (d *Dispatcher) process(ctx context.Context, job dispatchJob) {
	exec := job.execution
	trigger := string(exec.TriggerType)
	if pool := d.pool(exec.TriggerType); pool != nil {
		metrics.DispatchQueueDepth.WithLabelValues(trigger).Set(float64(pool.QueueLen()))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Execution %s panicked: %v\n%s", exec.ID, r, debug.Stack())
			d.coordinator.AbandonID(context.Background(), exec.ID.String(), fmt.Errorf("internal error: %v", r))
		}
	}()

	id := exec.ID.String()
	var err error
	switch job.kind {
	case jobStart:
		err = d.coordinator.Start(ctx, id)
	case jobResume:
		err = d.coordinator.Resume(ctx, id)
	case jobRetry:
		err = d.coordinator.RetryScheduled(ctx, id)
	case jobContinue:
		err = d.coordinator.Continue(ctx, exec)
	}

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrConflict):
		status = "skipped"
	default:
		status = "error"
		d.logger.Errorf("Execution %s %s failed: %v", exec.ID, job.kind, err)
	}
	metrics.WorkerJobsProcessed.WithLabelValues("dispatch_"+job.kind.String(), status).Inc()
}

func (d *Dispatcher) pool(t models.TriggerType) *workerPool[dispatchJob] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pools[t]
}

// Shutdown stops accepting work and drains every pool, giving up when ctx ends
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pools := make([]*workerPool[dispatchJob], 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.Drain()
		}
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}

// decodeWebhookBody parses the body into a payload. Non-object JSON is kept under "body".
func decodeWebhookBody(body []byte) (models.JSONB, error) {
	if len(body) == 0 {
		return models.JSONB{}, nil
	}
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrInvalidPayload
	}
	if obj, ok := raw.(map[string]interface{}); ok {
		return models.JSONB(obj), nil
	}
	return models.JSONB{"body": raw}, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
