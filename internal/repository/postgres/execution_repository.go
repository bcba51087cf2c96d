package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/database"
)

const executionColumns = `id, rule_id, rule_version, rule_snapshot, actions, subject_id, actor_id,
		       actor_role, trigger_type, trigger_payload, status, current_step, error_message,
		       created_at, started_at, completed_at, last_progress_at, retry_count, max_retries,
		       next_retry_at, retries_exhausted, resume_at, cancel_requested`

// ExecutionRepository handles execution database operations
type ExecutionRepository struct {
	db database.DBTX
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db database.DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ID, &e.RuleID, &e.RuleVersion, &e.RuleSnapshot, &e.Actions, &e.SubjectID, &e.ActorID,
		&e.ActorRole, &e.TriggerType, &e.TriggerPayload, &e.Status, &e.CurrentStep, &e.ErrorMessage,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.LastProgressAt, &e.RetryCount, &e.MaxRetries,
		&e.NextRetryAt, &e.RetriesExhausted, &e.ResumeAt, &e.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateExecution inserts a new execution together with its rule snapshot
func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec *models.Execution) error {
	snapshot, err := json.Marshal(exec.RuleSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode rule snapshot: %w", err)
	}

	query := `
		INSERT INTO rule_executions (
			id, rule_id, rule_version, rule_snapshot, actions, subject_id, actor_id,
			actor_role, trigger_type, trigger_payload, status, current_step, created_at,
			retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.ExecContext(
		ctx, query,
		exec.ID, exec.RuleID, exec.RuleVersion, snapshot, exec.Actions, exec.SubjectID, exec.ActorID,
		exec.ActorRole, exec.TriggerType, exec.TriggerPayload, exec.Status, exec.CurrentStep, exec.CreatedAt,
		exec.RetryCount, exec.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// UpdateExecution persists the coordinator's view of an execution.
// cancel_requested is owned by CancelExecution and is never written here.
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	query := `
		UPDATE rule_executions
		SET actions = $2,
		    status = $3,
		    current_step = $4,
		    error_message = $5,
		    started_at = $6,
		    completed_at = $7,
		    retry_count = $8,
		    next_retry_at = $9,
		    retries_exhausted = $10,
		    resume_at = $11,
		    last_progress_at = $12
		WHERE id = $1`

	result, err := r.db.ExecContext(
		ctx, query,
		exec.ID, exec.Actions, exec.Status, exec.CurrentStep, exec.ErrorMessage,
		exec.StartedAt, exec.CompletedAt, exec.RetryCount, exec.NextRetryAt,
		exec.RetriesExhausted, exec.ResumeAt, exec.LastProgressAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}

	return nil
}

// GetExecutionByID retrieves an execution by ID
func (r *ExecutionRepository) GetExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	execID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `SELECT ` + executionColumns + ` FROM rule_executions WHERE id = $1`
	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, execID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

var claimQueries = map[models.ClaimKind]string{
	models.ClaimStart: `
		UPDATE rule_executions
		SET status = 'running', started_at = $2, last_progress_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + executionColumns,
	models.ClaimResume: `
		UPDATE rule_executions
		SET resume_at = NULL, last_progress_at = $2
		WHERE id = $1 AND status = 'running'
		  AND resume_at IS NOT NULL AND resume_at <= $2
		  AND NOT cancel_requested
		RETURNING ` + executionColumns,
	models.ClaimRetry: `
		UPDATE rule_executions
		SET status = 'running', retry_count = retry_count + 1, last_progress_at = $2,
		    next_retry_at = NULL, error_message = NULL, completed_at = NULL
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		RETURNING ` + executionColumns,
	models.ClaimManualRetry: `
		UPDATE rule_executions
		SET status = 'running', retry_count = retry_count + 1, last_progress_at = $2,
		    next_retry_at = NULL, error_message = NULL, completed_at = NULL
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
		RETURNING ` + executionColumns,
}

// ClaimExecution performs one conditional state transition. Exactly one caller
// can win a claim; the others get models.ErrConflict.
func (r *ExecutionRepository) ClaimExecution(ctx context.Context, id string, kind models.ClaimKind, now time.Time) (*models.Execution, error) {
	query, ok := claimQueries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown claim kind %q", kind)
	}
	execID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, execID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, execID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	return exec, nil
}

// CancelExecution cancels pending, waiting and retry-scheduled executions outright
// and flags a running one so the coordinator stops before its next step.
func (r *ExecutionRepository) CancelExecution(ctx context.Context, id string, now time.Time) (*models.Execution, error) {
	execID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `
		WITH target AS (
			SELECT id,
			       (status = 'pending'
			        OR (status = 'running' AND resume_at IS NOT NULL)
			        OR (status = 'failed' AND next_retry_at IS NOT NULL)) AS immediate
			FROM rule_executions
			WHERE id = $1
			  AND (status IN ('pending', 'running') OR (status = 'failed' AND next_retry_at IS NOT NULL))
			FOR UPDATE
		)
		UPDATE rule_executions e
		SET status = CASE WHEN t.immediate THEN 'cancelled' ELSE e.status END,
		    completed_at = CASE WHEN t.immediate THEN $2 ELSE e.completed_at END,
		    resume_at = CASE WHEN t.immediate THEN NULL ELSE e.resume_at END,
		    next_retry_at = CASE WHEN t.immediate THEN NULL ELSE e.next_retry_at END,
		    cancel_requested = CASE WHEN t.immediate THEN e.cancel_requested ELSE TRUE END
		FROM target t
		WHERE e.id = t.id
		RETURNING ` + prefixColumns("e", executionColumns)

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, execID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, execID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution: %w", err)
	}

	return exec, nil
}

func (r *ExecutionRepository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rule_executions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrConflict
}

// ListExecutions retrieves executions with pagination and filters, newest first
func (r *ExecutionRepository) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.Execution, int64, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	countQuery := `
		SELECT COUNT(*)
		FROM rule_executions
		WHERE ($1::uuid IS NULL OR rule_id = $1)
		  AND ($2::varchar IS NULL OR status = $2)
		  AND ($3::varchar IS NULL OR subject_id = $3)`

	var total int64
	if err := r.db.QueryRowContext(ctx, countQuery, filter.RuleID, status, filter.SubjectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE ($1::uuid IS NULL OR rule_id = $1)
		  AND ($2::varchar IS NULL OR status = $2)
		  AND ($3::varchar IS NULL OR subject_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	executions, err := r.list(ctx, query, filter.RuleID, status, filter.SubjectID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

// ListDueResumes returns waiting executions whose resume time has passed
func (r *ExecutionRepository) ListDueResumes(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE status = 'running' AND resume_at IS NOT NULL AND resume_at <= $1
		  AND NOT cancel_requested
		ORDER BY resume_at ASC
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// ListDueRetries returns failed executions whose scheduled retry is due
func (r *ExecutionRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		  AND retry_count < max_retries
		ORDER BY next_retry_at ASC
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

// staleCondition matches running executions with no pending wait and no progress
// since $2, and pending executions created before $2
const staleCondition = `(
		(status = 'running' AND resume_at IS NULL
		 AND COALESCE(last_progress_at, started_at, created_at) < $2)
		OR (status = 'pending' AND created_at < $2))`

// ListStale returns executions stuck in running with no pending wait and no progress since cutoff
func (r *ExecutionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE status = 'running' AND resume_at IS NULL
		  AND COALESCE(last_progress_at, started_at, created_at) < $1
		ORDER BY COALESCE(last_progress_at, started_at, created_at) ASC
		LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

// FailStale fails an execution only while it is still stale at cutoff. It returns
// models.ErrConflict when an owner has claimed or progressed it since it was listed.
func (r *ExecutionRepository) FailStale(ctx context.Context, id string, cutoff, now time.Time, message string) (*models.Execution, error) {
	execID, err := uuid.Parse(id)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `
		UPDATE rule_executions
		SET status = 'failed', error_message = $3, completed_at = $4, last_progress_at = $4,
		    next_retry_at = NULL, resume_at = NULL
		WHERE id = $1 AND ` + staleCondition + `
		RETURNING ` + executionColumns

	exec, err := scanExecution(r.db.QueryRowContext(ctx, query, execID, cutoff, message, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingOrConflict(ctx, execID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale execution: %w", err)
	}

	return exec, nil
}

// ListStalePending returns pending executions created before cutoff, lost before a worker claimed them
func (r *ExecutionRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM rule_executions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*models.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// AppendLogEntry inserts one immutable step log entry
func (r *ExecutionRepository) AppendLogEntry(ctx context.Context, entry *models.ExecutionLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO execution_logs (
			id, execution_id, attempt, step_index, action_type, status,
			input, output, error_message, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(
		ctx, query,
		entry.ID, entry.ExecutionID, entry.Attempt, entry.StepIndex, entry.ActionType, entry.Status,
		entry.Input, entry.Output, entry.ErrorMessage, entry.DurationMs, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

// ListLogEntries returns the log of one execution in the order it was written
func (r *ExecutionRepository) ListLogEntries(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	execID, err := uuid.Parse(executionID)
	if err != nil {
		return nil, models.ErrNotFound
	}

	query := `
		SELECT id, execution_id, attempt, step_index, action_type, status,
		       input, output, error_message, duration_ms, created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC, attempt ASC, step_index ASC`

	rows, err := r.db.QueryContext(ctx, query, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	entries := []*models.ExecutionLogEntry{}
	for rows.Next() {
		entry := &models.ExecutionLogEntry{}
		err := rows.Scan(
			&entry.ID, &entry.ExecutionID, &entry.Attempt, &entry.StepIndex, &entry.ActionType, &entry.Status,
			&entry.Input, &entry.Output, &entry.ErrorMessage, &entry.DurationMs, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

// prefixColumns qualifies a column list with a table alias
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
