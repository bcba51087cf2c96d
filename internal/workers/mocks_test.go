package workers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
)

var workerNow = time.Date(2026, 2, 2, 6, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type mockExecutionStore struct {
	listDueResumesFunc   func(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
	listDueRetriesFunc   func(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
	listStaleFunc        func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
	listStalePendingFunc func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
}

func (m *mockExecutionStore) ListDueResumes(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if m.listDueResumesFunc != nil {
		return m.listDueResumesFunc(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockExecutionStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	if m.listDueRetriesFunc != nil {
		return m.listDueRetriesFunc(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockExecutionStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	if m.listStaleFunc != nil {
		return m.listStaleFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

func (m *mockExecutionStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	if m.listStalePendingFunc != nil {
		return m.listStalePendingFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

// mockQueue records what the workers hand to the dispatcher
type mockQueue struct {
	mu       sync.Mutex
	queueErr func(exec *models.Execution) error
	resumed  []uuid.UUID
	retried  []uuid.UUID
}

func (m *mockQueue) Resume(exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		if err := m.queueErr(exec); err != nil {
			return err
		}
	}
	m.resumed = append(m.resumed, exec.ID)
	return nil
}

func (m *mockQueue) RetryDue(exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		if err := m.queueErr(exec); err != nil {
			return err
		}
	}
	m.retried = append(m.retried, exec.ID)
	return nil
}

type reaped struct {
	id     uuid.UUID
	cutoff time.Time
	reason string
}

type mockStaleFailer struct {
	calls       []reaped
	reapStaleFn func(exec *models.Execution) error
}

func (m *mockStaleFailer) ReapStale(ctx context.Context, exec *models.Execution, cutoff time.Time, reason error) error {
	m.calls = append(m.calls, reaped{id: exec.ID, cutoff: cutoff, reason: reason.Error()})
	if m.reapStaleFn != nil {
		return m.reapStaleFn(exec)
	}
	return nil
}

type mockScheduleService struct {
	getDueFunc        func(ctx context.Context, limit int) ([]*models.RuleSchedule, error)
	markTriggeredFunc func(ctx context.Context, schedule *models.RuleSchedule) (time.Time, error)
}

func (m *mockScheduleService) GetDueSchedules(ctx context.Context, limit int) ([]*models.RuleSchedule, error) {
	if m.getDueFunc != nil {
		return m.getDueFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockScheduleService) MarkTriggered(ctx context.Context, schedule *models.RuleSchedule) (time.Time, error) {
	if m.markTriggeredFunc != nil {
		return m.markTriggeredFunc(ctx, schedule)
	}
	return schedule.NextRunAt.Add(time.Hour), nil
}

type mockRuleRepo struct {
	rules map[string]*models.Rule
	err   error
}

func (m *mockRuleRepo) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.rules[id]; ok {
		return r, nil
	}
	return nil, models.ErrNotFound
}

func (m *mockRuleRepo) ListActiveRulesByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Rule
	for _, r := range m.rules {
		if r.TriggerType == trigger && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

type dispatched struct {
	rule  *models.Rule
	event models.TriggerEvent
}

type mockTrigger struct {
	calls []dispatched
	err   error
}

func (m *mockTrigger) DispatchToRule(ctx context.Context, rule *models.Rule, event models.TriggerEvent) (*models.Execution, error) {
	m.calls = append(m.calls, dispatched{rule: rule, event: event})
	if m.err != nil {
		return nil, m.err
	}
	return &models.Execution{ID: uuid.New(), RuleID: rule.ID}, nil
}

type mockSubjectLister struct {
	listFunc func(ctx context.Context, cutoff time.Time, limit int) ([]*models.Subject, error)
}

func (m *mockSubjectLister) ListInactiveSubjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Subject, error) {
	return m.listFunc(ctx, cutoff, limit)
}

type mockInactivityDispatcher struct {
	batches map[uuid.UUID][][]engine.InactiveSubject
}

func (m *mockInactivityDispatcher) DispatchInactivity(ctx context.Context, rule *models.Rule, subjects []engine.InactiveSubject) (int, error) {
	if m.batches == nil {
		m.batches = make(map[uuid.UUID][][]engine.InactiveSubject)
	}
	m.batches[rule.ID] = append(m.batches[rule.ID], subjects)
	return len(subjects), nil
}

type mockImporter struct {
	mu       sync.Mutex
	imported []*models.Rule
	err      error
}

func (m *mockImporter) ImportTemplate(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.imported = append(m.imported, rule)
	return rule, nil
}

func (m *mockImporter) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.imported))
	for i, r := range m.imported {
		out[i] = r.Name
	}
	return out
}

func executions(n int) []*models.Execution {
	out := make([]*models.Execution, n)
	for i := range out {
		out[i] = &models.Execution{ID: uuid.New(), TriggerType: models.TriggerRecordUpdated}
	}
	return out
}
