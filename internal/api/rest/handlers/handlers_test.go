package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func TestPagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: 20, wantOffset: 0},
		{query: "?limit=5&offset=15", wantLimit: 5, wantOffset: 15},
		{query: "?limit=1000", wantLimit: 100, wantOffset: 0},
		{query: "?limit=-3&offset=-1", wantLimit: 20, wantOffset: 0},
		{query: "?limit=abc", wantLimit: 20, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			limit, offset := pagination(req, 20, 100)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestRespondServiceError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	respondServiceError(rec, logger.NewForTesting(), fmt.Errorf("query rules: %w", errors.New("pq: password authentication failed")), "Failed to list rules")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to list rules","code":"INTERNAL_ERROR"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	respondServiceError(rec, logger.NewForTesting(), fmt.Errorf("claim slot: %w", models.ErrConflict), "unused")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScheduleHandler_GetRuleSchedule(t *testing.T) {
	ruleID := uuid.New()
	next := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	schedules := &mockScheduleReader{
		getFunc: func(ctx context.Context, id uuid.UUID) (*models.RuleSchedule, error) {
			if id != ruleID {
				return nil, models.ErrNotFound
			}
			return &models.RuleSchedule{RuleID: ruleID, CronExpression: "0 9 * * 1", Timezone: "UTC", NextRunAt: next}, nil
		},
		nextRunsFunc: func(ctx context.Context, id uuid.UUID, count int) ([]time.Time, error) {
			runs := make([]time.Time, count)
			for i := range runs {
				runs[i] = next.AddDate(0, 0, 7*i)
			}
			return runs, nil
		},
	}
	h := NewScheduleHandler(logger.NewForTesting(), schedules)

	rec := serve(t, http.MethodGet, "/rules/{id}/schedule", "/rules/"+ruleID.String()+"/schedule?count=3", nil, h.GetRuleSchedule)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		CronExpression string      `json:"cron_expression"`
		NextRuns       []time.Time `json:"next_runs"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "0 9 * * 1", resp.CronExpression)
	require.Len(t, resp.NextRuns, 3)
	assert.True(t, next.AddDate(0, 0, 14).Equal(resp.NextRuns[2]))

	rec = serve(t, http.MethodGet, "/rules/{id}/schedule", "/rules/"+uuid.NewString()+"/schedule", nil, h.GetRuleSchedule)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleHandler_ValidateCron(t *testing.T) {
	h := NewScheduleHandler(logger.NewForTesting(), &mockScheduleReader{})
	rec := serve(t, http.MethodPost, "/schedules/validate", "/schedules/validate", ValidateCronRequest{Cron: "0 9 * * 1"}, h.ValidateCron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

	h = NewScheduleHandler(logger.NewForTesting(), &mockScheduleReader{validateErr: errors.New("expected 5 fields")})
	rec = serve(t, http.MethodPost, "/schedules/validate", "/schedules/validate", ValidateCronRequest{Cron: "every day"}, h.ValidateCron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"error":"expected 5 fields"}`, rec.Body.String())

	rec = serve(t, http.MethodPost, "/schedules/validate", "/schedules/validate", map[string]string{"timezone": "UTC"}, h.ValidateCron)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLetterHandler_Draft(t *testing.T) {
	var gotData map[string]interface{}
	letters := &mockLetterDrafter{draftFunc: func(ctx context.Context, prompt string, data map[string]interface{}) (string, error) {
		gotData = data
		return "Dear Ms Smith,", nil
	}}
	h := NewLetterHandler(logger.NewForTesting(), letters)

	body := DraftRequest{Prompt: "Write a reminder", Subject: map[string]interface{}{"name": "Ms Smith"}}
	rec := serve(t, http.MethodPost, "/letters/draft", "/letters/draft", body, h.Draft)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"content":"Dear Ms Smith,"}`, rec.Body.String())
	assert.Equal(t, "Ms Smith", gotData["subject"].(map[string]interface{})["name"])

	rec = serve(t, http.MethodPost, "/letters/draft", "/letters/draft", DraftRequest{}, h.Draft)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	errCases := []struct {
		err        error
		wantStatus int
	}{
		{err: llm.ErrInvalidAPIKey, wantStatus: http.StatusBadGateway},
		{err: llm.ErrContextLengthExceeded, wantStatus: http.StatusBadRequest},
		{err: llm.ErrRateLimitExceeded, wantStatus: http.StatusTooManyRequests},
		{err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range errCases {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewLetterHandler(logger.NewForTesting(), &mockLetterDrafter{draftFunc: func(ctx context.Context, prompt string, data map[string]interface{}) (string, error) {
				return "", tt.err
			}})
			rec := serve(t, http.MethodPost, "/letters/draft", "/letters/draft", DraftRequest{Prompt: "hi"}, h.Draft)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler(logger.NewForTesting(), &mockHealthChecker{}, nil, "1.2.3")

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","version":"1.2.3","checks":{"database":"healthy","redis":"disabled"}}`, rec.Body.String())

	down := NewHealthHandler(logger.NewForTesting(), &mockHealthChecker{}, &mockHealthChecker{err: errors.New("dial tcp: refused")}, "1.2.3")
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")
}

type trippedChecker struct{ mockHealthChecker }

func (trippedChecker) IsCircuitBreakerOpen() bool { return true }

func TestHealthHandler_CircuitOpen(t *testing.T) {
	h := NewHealthHandler(logger.NewForTesting(), &trippedChecker{}, &mockHealthChecker{}, "1.2.3")

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready","version":"1.2.3","checks":{"database":"circuit_open","redis":"healthy"}}`, rec.Body.String())
}

func TestDocsHandler(t *testing.T) {
	h := NewDocsHandler()

	rec := httptest.NewRecorder()
	h.ServeOpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/api/v1/docs/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/webhooks/{ruleId}")

	rec = httptest.NewRecorder()
	h.ServeSwaggerUI(rec, httptest.NewRequest(http.MethodGet, "/api/v1/docs/ui", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = httptest.NewRecorder()
	h.RedirectToDocs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/docs", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/api/v1/docs/ui", rec.Header().Get("Location"))
}
