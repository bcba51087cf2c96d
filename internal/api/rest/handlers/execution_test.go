package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func TestExecutionHandler_ListExecutions(t *testing.T) {
	ruleID := uuid.New()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
		check      func(t *testing.T, f models.ExecutionFilter)
	}{
		{
			name:       "defaults",
			query:      "",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, f models.ExecutionFilter) {
				assert.Equal(t, 50, f.Limit)
				assert.Equal(t, 0, f.Offset)
				assert.Nil(t, f.RuleID)
				assert.Nil(t, f.Status)
			},
		},
		{
			name:       "all filters",
			query:      fmt.Sprintf("?rule_id=%s&status=failed&subject_id=rec-1&limit=500&offset=10", ruleID),
			wantStatus: http.StatusOK,
			check: func(t *testing.T, f models.ExecutionFilter) {
				require.NotNil(t, f.RuleID)
				assert.Equal(t, ruleID, *f.RuleID)
				require.NotNil(t, f.Status)
				assert.Equal(t, models.ExecutionStatusFailed, *f.Status)
				require.NotNil(t, f.SubjectID)
				assert.Equal(t, "rec-1", *f.SubjectID)
				assert.Equal(t, 100, f.Limit)
				assert.Equal(t, 10, f.Offset)
			},
		},
		{name: "bad rule id", query: "?rule_id=nope", wantStatus: http.StatusBadRequest, wantCode: "INVALID_ID"},
		{name: "bad status", query: "?status=exploded", wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.ExecutionFilter
			reader := &mockExecutionReader{listFunc: func(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, int64, error) {
				got = filter
				return []*models.Execution{pendingExecution()}, 1, nil
			}}
			h := NewExecutionHandler(logger.NewForTesting(), reader, &mockDispatcher{})

			rec := serve(t, http.MethodGet, "/api/v1/executions", "/api/v1/executions"+tt.query, nil, h.ListExecutions)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				return
			}
			var resp models.ExecutionListResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, int64(1), resp.Total)
			assert.Len(t, resp.Executions, 1)
			tt.check(t, got)
		})
	}
}

func TestExecutionHandler_GetExecution(t *testing.T) {
	id := uuid.New()
	reader := &mockExecutionReader{getFunc: func(ctx context.Context, got string) (*models.Execution, error) {
		if got == id.String() {
			return &models.Execution{ID: id, Status: models.ExecutionStatusCompleted}, nil
		}
		return nil, engine.ErrExecutionNotFound
	}}
	h := NewExecutionHandler(logger.NewForTesting(), reader, &mockDispatcher{})

	rec := serve(t, http.MethodGet, "/executions/{id}", "/executions/"+id.String(), nil, h.GetExecution)
	require.Equal(t, http.StatusOK, rec.Code)
	var exec models.Execution
	decodeBody(t, rec, &exec)
	assert.Equal(t, id, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)

	rec = serve(t, http.MethodGet, "/executions/{id}", "/executions/"+uuid.NewString(), nil, h.GetExecution)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = serve(t, http.MethodGet, "/executions/{id}", "/executions/not-a-uuid", nil, h.GetExecution)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ID", errorCode(t, rec))
}

func TestExecutionHandler_GetExecutionLogs(t *testing.T) {
	id := uuid.New()
	t.Run("empty log is an empty list", func(t *testing.T) {
		reader := &mockExecutionReader{getFunc: func(ctx context.Context, got string) (*models.Execution, error) {
			return &models.Execution{ID: id}, nil
		}}
		h := NewExecutionHandler(logger.NewForTesting(), reader, &mockDispatcher{})

		rec := serve(t, http.MethodGet, "/executions/{id}/logs", "/executions/"+id.String()+"/logs", nil, h.GetExecutionLogs)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"execution_id":%q,"entries":[]}`, id), rec.Body.String())
	})

	t.Run("entries", func(t *testing.T) {
		reader := &mockExecutionReader{
			getFunc: func(ctx context.Context, got string) (*models.Execution, error) {
				return &models.Execution{ID: id}, nil
			},
			logsFunc: func(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
				return []*models.ExecutionLogEntry{
					{ExecutionID: id, StepIndex: 0, ActionType: models.ActionAddTag, Status: models.LogStatusSuccess},
					{ExecutionID: id, StepIndex: 1, ActionType: models.ActionSendEmail, Status: models.LogStatusFailed},
				}, nil
			},
		}
		h := NewExecutionHandler(logger.NewForTesting(), reader, &mockDispatcher{})

		rec := serve(t, http.MethodGet, "/executions/{id}/logs", "/executions/"+id.String()+"/logs", nil, h.GetExecutionLogs)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.ExecutionLogsResponse
		decodeBody(t, rec, &resp)
		require.Len(t, resp.Entries, 2)
		assert.Equal(t, models.ActionSendEmail, resp.Entries[1].ActionType)
	})

	t.Run("unknown execution", func(t *testing.T) {
		h := NewExecutionHandler(logger.NewForTesting(), &mockExecutionReader{}, &mockDispatcher{})
		rec := serve(t, http.MethodGet, "/executions/{id}/logs", "/executions/"+id.String()+"/logs", nil, h.GetExecutionLogs)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestExecutionHandler_Cancel(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "cancelled", wantStatus: http.StatusOK},
		{name: "already finished", err: engine.ErrExecutionTerminal, wantStatus: http.StatusConflict, wantCode: "CONFLICT"},
		{name: "unknown", err: engine.ErrExecutionNotFound, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			dispatcher := &mockDispatcher{cancelFunc: func(ctx context.Context, executionID string) (*models.Execution, error) {
				assert.Equal(t, id.String(), executionID)
				if tt.err != nil {
					return nil, tt.err
				}
				return &models.Execution{ID: id, Status: models.ExecutionStatusCancelled}, nil
			}}
			h := NewExecutionHandler(logger.NewForTesting(), &mockExecutionReader{}, dispatcher)

			rec := serve(t, http.MethodPost, "/executions/{id}/cancel", "/executions/"+id.String()+"/cancel", nil, h.CancelExecution)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				return
			}
			var exec models.Execution
			decodeBody(t, rec, &exec)
			assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
		})
	}
}

func TestExecutionHandler_Retry(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "queued", wantStatus: http.StatusAccepted},
		{name: "not failed", err: engine.ErrExecutionNotFailed, wantStatus: http.StatusConflict, wantCode: "CONFLICT"},
		{name: "out of retries", err: &engine.Error{Kind: engine.KindRetryExhausted, Message: "3 of 3 used"}, wantStatus: http.StatusConflict, wantCode: "retry_exhausted"},
		{name: "queue full", err: engine.ErrQueueFull, wantStatus: http.StatusServiceUnavailable, wantCode: "UNAVAILABLE"},
		{name: "storage failure", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			dispatcher := &mockDispatcher{retryFunc: func(ctx context.Context, executionID string) (*models.Execution, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &models.Execution{ID: id, Status: models.ExecutionStatusPending, RetryCount: 1}, nil
			}}
			h := NewExecutionHandler(logger.NewForTesting(), &mockExecutionReader{}, dispatcher)

			rec := serve(t, http.MethodPost, "/executions/{id}/retry", "/executions/"+id.String()+"/retry", nil, h.RetryExecution)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				assert.NotContains(t, rec.Body.String(), "connection reset")
				return
			}
			var accepted models.ExecutionAccepted
			decodeBody(t, rec, &accepted)
			assert.Equal(t, id, accepted.ExecutionID)
			assert.Equal(t, models.ExecutionStatusPending, accepted.Status)
		})
	}
}
