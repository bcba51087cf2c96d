package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// fakeClock only moves when told to. Sleep advances it instantly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRecords is an in-memory record store that counts every write
type fakeRecords struct {
	mu       sync.Mutex
	subjects map[string]*models.Subject
	docs     map[string]int
	missing  map[string][]string
	tasks    map[string]int
	overdue  map[string]int

	notes    []*models.Note
	created  []*models.Task
	statuses map[string]string
	tags     map[string][]string
	letters  []*models.Letter

	getSubjectFunc func(ctx context.Context, id string) (*models.Subject, error)
	createNoteFunc func(ctx context.Context, note *models.Note) (string, error)
}

func newFakeRecords(subjects ...*models.Subject) *fakeRecords {
	r := &fakeRecords{
		subjects: make(map[string]*models.Subject),
		docs:     make(map[string]int),
		missing:  make(map[string][]string),
		tasks:    make(map[string]int),
		overdue:  make(map[string]int),
		statuses: make(map[string]string),
		tags:     make(map[string][]string),
	}
	for _, s := range subjects {
		r.subjects[s.ID] = s
	}
	return r
}

func (r *fakeRecords) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	if r.getSubjectFunc != nil {
		return r.getSubjectFunc(ctx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRecords) CountDocuments(_ context.Context, subjectID, category string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs[subjectID+"/"+category], nil
}

func (r *fakeRecords) MissingRequiredDocuments(_ context.Context, subjectID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing[subjectID], nil
}

func (r *fakeRecords) CountTasks(_ context.Context, subjectID, status string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[subjectID+"/"+status], nil
}

func (r *fakeRecords) CountOverdueTasks(_ context.Context, subjectID string, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overdue[subjectID], nil
}

func (r *fakeRecords) CreateNote(ctx context.Context, note *models.Note) (string, error) {
	if r.createNoteFunc != nil {
		return r.createNoteFunc(ctx, note)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return "note-" + strconv.Itoa(len(r.notes)), nil
}

func (r *fakeRecords) CreateTask(_ context.Context, task *models.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, task)
	return "task-" + strconv.Itoa(len(r.created)), nil
}

func (r *fakeRecords) UpdateStatus(_ context.Context, subjectID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[subjectID] = status
	return nil
}

func (r *fakeRecords) AddTag(_ context.Context, subjectID, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tags[subjectID] {
		if t == tag {
			return nil
		}
	}
	r.tags[subjectID] = append(r.tags[subjectID], tag)
	return nil
}

func (r *fakeRecords) SaveLetter(_ context.Context, letter *models.Letter) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, letter)
	return "letter-" + strconv.Itoa(len(r.letters)), nil
}

func (r *fakeRecords) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.notes) + len(r.created) + len(r.statuses) + len(r.letters)
	for _, tags := range r.tags {
		n += len(tags)
	}
	return n
}

func (r *fakeRecords) noteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type mockNotifier struct {
	mu       sync.Mutex
	sent     []*models.Notification
	notifyFn func(ctx context.Context, n *models.Notification) error
}

func (m *mockNotifier) Notify(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyFn != nil {
		if err := m.notifyFn(ctx, n); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, n)
	return nil
}

type mockMailer struct {
	mu   sync.Mutex
	sent int
}

func (m *mockMailer) SendEmail(context.Context, []string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

type mockFailureNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (m *mockFailureNotifier) NotifyExecutionFailure(_ context.Context, _ *models.Execution, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *mockFailureNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reasons)
}

type mockRuleRepo struct {
	mu    sync.Mutex
	rules map[string]*models.Rule
}

func newMockRuleRepo(rules ...*models.Rule) *mockRuleRepo {
	m := &mockRuleRepo{rules: make(map[string]*models.Rule)}
	for _, r := range rules {
		m.rules[r.ID.String()] = r
	}
	return m
}

func (m *mockRuleRepo) GetRuleByID(_ context.Context, id string) (*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *mockRuleRepo) ListActiveRulesByTrigger(_ context.Context, trigger models.TriggerType) ([]*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Rule
	for _, r := range m.rules {
		if r.IsActive && r.TriggerType == trigger {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// memExecutions mirrors the conditional updates of the postgres repository
type memExecutions struct {
	mu    sync.Mutex
	execs map[string]*models.Execution
	logs  []*models.ExecutionLogEntry

	appendLogFunc func(entry *models.ExecutionLogEntry) error
}

func newMemExecutions() *memExecutions {
	return &memExecutions{execs: make(map[string]*models.Execution)}
}

func copyExecution(e *models.Execution) *models.Execution {
	cp := *e
	cp.Actions = e.Actions.Clone()
	cp.TriggerPayload = e.TriggerPayload.Clone()
	cp.RuleSnapshot = *e.RuleSnapshot.Clone()
	return &cp
}

func (m *memExecutions) CreateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID.String()] = copyExecution(exec)
	return nil
}

func (m *memExecutions) UpdateExecution(_ context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.execs[exec.ID.String()]
	if !ok {
		return models.ErrNotFound
	}
	cp := copyExecution(exec)
	cp.CancelRequested = stored.CancelRequested
	m.execs[exec.ID.String()] = cp
	return nil
}

func (m *memExecutions) GetExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyExecution(e), nil
}

func (m *memExecutions) ClaimExecution(_ context.Context, id string, kind models.ClaimKind, now time.Time) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	switch kind {
	case models.ClaimStart:
		if e.Status != models.ExecutionStatusPending {
			return nil, models.ErrConflict
		}
		e.Status = models.ExecutionStatusRunning
		e.StartedAt = &now
	case models.ClaimResume:
		if e.Status != models.ExecutionStatusRunning || e.ResumeAt == nil || e.ResumeAt.After(now) || e.CancelRequested {
			return nil, models.ErrConflict
		}
		e.ResumeAt = nil
	case models.ClaimRetry, models.ClaimManualRetry:
		if e.Status != models.ExecutionStatusFailed || e.RetryCount >= e.MaxRetries {
			return nil, models.ErrConflict
		}
		if kind == models.ClaimRetry && (e.NextRetryAt == nil || e.NextRetryAt.After(now)) {
			return nil, models.ErrConflict
		}
		e.Status = models.ExecutionStatusRunning
		e.RetryCount++
		e.NextRetryAt = nil
		e.ErrorMessage = nil
		e.CompletedAt = nil
	}
	e.LastProgressAt = &now
	return copyExecution(e), nil
}

func (m *memExecutions) FailStale(_ context.Context, id string, cutoff, now time.Time, message string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	progress := e.CreatedAt
	if e.LastProgressAt != nil {
		progress = *e.LastProgressAt
	} else if e.StartedAt != nil {
		progress = *e.StartedAt
	}
	stale := (e.Status == models.ExecutionStatusRunning && e.ResumeAt == nil && progress.Before(cutoff)) ||
		(e.Status == models.ExecutionStatusPending && e.CreatedAt.Before(cutoff))
	if !stale {
		return nil, models.ErrConflict
	}
	e.Status = models.ExecutionStatusFailed
	e.ErrorMessage = &message
	e.CompletedAt = &now
	e.LastProgressAt = &now
	e.NextRetryAt = nil
	e.ResumeAt = nil
	return copyExecution(e), nil
}

func (m *memExecutions) CancelExecution(_ context.Context, id string, now time.Time) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	switch {
	case e.Status == models.ExecutionStatusPending,
		e.Status == models.ExecutionStatusRunning && e.ResumeAt != nil,
		e.Status == models.ExecutionStatusFailed && e.NextRetryAt != nil:
		e.Status = models.ExecutionStatusCancelled
		e.CompletedAt = &now
		e.ResumeAt = nil
		e.NextRetryAt = nil
	case e.Status == models.ExecutionStatusRunning:
		e.CancelRequested = true
	default:
		return nil, models.ErrConflict
	}
	return copyExecution(e), nil
}

func (m *memExecutions) AppendLogEntry(_ context.Context, entry *models.ExecutionLogEntry) error {
	if m.appendLogFunc != nil {
		if err := m.appendLogFunc(entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memExecutions) ListLogEntries(_ context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ExecutionLogEntry
	for _, l := range m.logs {
		if l.ExecutionID.String() == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memExecutions) get(id string) *models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.execs[id]; ok {
		return copyExecution(e)
	}
	return nil
}

func (m *memExecutions) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// harness wires a coordinator, planner and dispatcher over in-memory collaborators
type harness struct {
	clock       *fakeClock
	records     *fakeRecords
	notifier    *mockNotifier
	mailer      *mockMailer
	failures    *mockFailureNotifier
	executions  *memExecutions
	rules       *mockRuleRepo
	evaluator   *Evaluator
	actions     *ActionExecutor
	contexts    *ContextBuilder
	coordinator *Coordinator
	planner     *Planner
}

var testNow = time.Date(2024, time.March, 14, 10, 30, 0, 0, time.UTC)

func newHarness(subjects ...*models.Subject) *harness {
	log := logger.NewForTesting()
	h := &harness{
		clock:      newFakeClock(testNow),
		records:    newFakeRecords(subjects...),
		notifier:   &mockNotifier{},
		mailer:     &mockMailer{},
		failures:   &mockFailureNotifier{},
		executions: newMemExecutions(),
		rules:      newMockRuleRepo(),
	}
	h.evaluator = NewEvaluator(time.UTC)
	registry := NewBuiltinRegistry(h.evaluator, Collaborators{
		Records:  h.records,
		Notifier: h.notifier,
		Mailer:   h.mailer,
	}, h.clock, log)
	h.actions = NewActionExecutor(registry, log)
	h.contexts = NewContextBuilder(h.records, h.clock, log)
	h.coordinator = NewCoordinator(CoordinatorOptions{
		Executions: h.executions,
		Evaluator:  h.evaluator,
		Contexts:   h.contexts,
		Actions:    h.actions,
		Failures:   h.failures,
		Clock:      h.clock,
		MaxRetries: 3,
		Logger:     log,
	})
	h.planner = NewPlanner(h.rules, h.contexts, h.evaluator, h.actions, log)
	return h
}

// run creates an execution of rule for event and drives it synchronously
func (h *harness) run(rule *models.Rule, event models.TriggerEvent) *models.Execution {
	ctx := context.Background()
	exec := h.coordinator.NewExecution(rule, event)
	if err := h.coordinator.Create(ctx, exec); err != nil {
		panic(err)
	}
	_ = h.coordinator.Start(ctx, exec.ID.String())
	return h.executions.get(exec.ID.String())
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }
