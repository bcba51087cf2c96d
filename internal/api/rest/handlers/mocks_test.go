package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
)

type mockDispatcher struct {
	dispatchFunc        func(ctx context.Context, event models.TriggerEvent) (*models.DispatchResult, error)
	handleWebhookFunc   func(ctx context.Context, ruleID string, body []byte, signature string) (*models.Execution, error)
	executeManuallyFunc func(ctx context.Context, ruleID string, in engine.SampleContext) (*models.Execution, error)
	retryFunc           func(ctx context.Context, executionID string) (*models.Execution, error)
	cancelFunc          func(ctx context.Context, executionID string) (*models.Execution, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, event models.TriggerEvent) (*models.DispatchResult, error) {
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, event)
	}
	return &models.DispatchResult{EventType: event.Type, ExecutionIDs: []string{}}, nil
}

func (m *mockDispatcher) HandleWebhook(ctx context.Context, ruleID string, body []byte, signature string) (*models.Execution, error) {
	if m.handleWebhookFunc != nil {
		return m.handleWebhookFunc(ctx, ruleID, body, signature)
	}
	return pendingExecution(), nil
}

func (m *mockDispatcher) ExecuteManually(ctx context.Context, ruleID string, in engine.SampleContext) (*models.Execution, error) {
	if m.executeManuallyFunc != nil {
		return m.executeManuallyFunc(ctx, ruleID, in)
	}
	return pendingExecution(), nil
}

func (m *mockDispatcher) Retry(ctx context.Context, executionID string) (*models.Execution, error) {
	if m.retryFunc != nil {
		return m.retryFunc(ctx, executionID)
	}
	return pendingExecution(), nil
}

func (m *mockDispatcher) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, executionID)
	}
	return nil, engine.ErrExecutionNotFound
}

type mockExecutionReader struct {
	getFunc  func(ctx context.Context, id string) (*models.Execution, error)
	listFunc func(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, int64, error)
	logsFunc func(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error)
}

func (m *mockExecutionReader) GetExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, engine.ErrExecutionNotFound
}

func (m *mockExecutionReader) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, int64, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, filter)
	}
	return []*models.Execution{}, 0, nil
}

func (m *mockExecutionReader) ListLogEntries(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	if m.logsFunc != nil {
		return m.logsFunc(ctx, executionID)
	}
	return nil, nil
}

type mockRuleManager struct {
	createFunc      func(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error)
	getFunc         func(ctx context.Context, id string) (*models.Rule, error)
	listFunc        func(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error)
	updateFunc      func(ctx context.Context, id string, req *models.UpdateRuleRequest) (*models.Rule, error)
	setActiveFunc   func(ctx context.Context, id string, active bool) (*models.Rule, error)
	deleteFunc      func(ctx context.Context, id string) error
	instantiateFunc func(ctx context.Context, templateID, name string) (*models.Rule, error)
}

func (m *mockRuleManager) Create(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, req)
	}
	return req.ToRule(), nil
}

func (m *mockRuleManager) Get(ctx context.Context, id string) (*models.Rule, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, engine.ErrRuleNotFound
}

func (m *mockRuleManager) List(ctx context.Context, filter models.RuleFilter) ([]*models.Rule, int64, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, filter)
	}
	return []*models.Rule{}, 0, nil
}

func (m *mockRuleManager) Update(ctx context.Context, id string, req *models.UpdateRuleRequest) (*models.Rule, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, id, req)
	}
	return nil, engine.ErrRuleNotFound
}

func (m *mockRuleManager) SetActive(ctx context.Context, id string, active bool) (*models.Rule, error) {
	if m.setActiveFunc != nil {
		return m.setActiveFunc(ctx, id, active)
	}
	return &models.Rule{ID: uuid.MustParse(id), IsActive: active}, nil
}

func (m *mockRuleManager) Delete(ctx context.Context, id string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, id)
	}
	return nil
}

func (m *mockRuleManager) Instantiate(ctx context.Context, templateID, name string) (*models.Rule, error) {
	if m.instantiateFunc != nil {
		return m.instantiateFunc(ctx, templateID, name)
	}
	return &models.Rule{ID: uuid.New(), Name: name, IsActive: true}, nil
}

type mockPlanner struct {
	planFunc func(ctx context.Context, ruleID string, sample engine.SampleContext) (*models.ExecutionPlan, error)
}

func (m *mockPlanner) Plan(ctx context.Context, ruleID string, sample engine.SampleContext) (*models.ExecutionPlan, error) {
	if m.planFunc != nil {
		return m.planFunc(ctx, ruleID, sample)
	}
	return &models.ExecutionPlan{RuleID: uuid.MustParse(ruleID), ConditionsMet: true}, nil
}

type mockEventStore struct {
	created  []*models.EventRecord
	err      error
	listFunc func(ctx context.Context, eventType *models.TriggerType, subjectID *string, limit, offset int) ([]*models.EventRecord, int64, error)
}

func (m *mockEventStore) CreateEvent(ctx context.Context, event *models.EventRecord) error {
	m.created = append(m.created, event)
	return m.err
}

func (m *mockEventStore) ListEvents(ctx context.Context, eventType *models.TriggerType, subjectID *string, limit, offset int) ([]*models.EventRecord, int64, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, eventType, subjectID, limit, offset)
	}
	return []*models.EventRecord{}, 0, nil
}

type mockScheduleReader struct {
	getFunc      func(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error)
	nextRunsFunc func(ctx context.Context, ruleID uuid.UUID, count int) ([]time.Time, error)
	validateErr  error
}

func (m *mockScheduleReader) GetSchedule(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, ruleID)
	}
	return nil, models.ErrNotFound
}

func (m *mockScheduleReader) GetNextRuns(ctx context.Context, ruleID uuid.UUID, count int) ([]time.Time, error) {
	if m.nextRunsFunc != nil {
		return m.nextRunsFunc(ctx, ruleID, count)
	}
	return nil, nil
}

func (m *mockScheduleReader) ValidateCronExpression(expression, timezone string) error {
	return m.validateErr
}

type mockLetterDrafter struct {
	draftFunc func(ctx context.Context, prompt string, data map[string]interface{}) (string, error)
}

func (m *mockLetterDrafter) DraftLetter(ctx context.Context, prompt string, data map[string]interface{}) (string, error) {
	if m.draftFunc != nil {
		return m.draftFunc(ctx, prompt, data)
	}
	return "Dear customer", nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.err
}

func pendingExecution() *models.Execution {
	return &models.Execution{ID: uuid.New(), Status: models.ExecutionStatusPending}
}

// serve routes a single request through a chi router so URL params resolve
func serve(t *testing.T, method, pattern, target string, body interface{}, handler http.HandlerFunc, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, opt := range opts {
		opt(req)
	}

	r := chi.NewRouter()
	r.MethodFunc(method, pattern, handler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, rec, &resp)
	return resp.Code
}
