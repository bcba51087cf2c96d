package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/database"
)

// ScheduleRepository tracks the next run of time_scheduled rules
type ScheduleRepository struct {
	db database.DBTX
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db database.DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Upsert stores the schedule of a rule, replacing any previous next run
func (r *ScheduleRepository) Upsert(ctx context.Context, s *models.RuleSchedule) error {
	query := `
		INSERT INTO rule_schedules (rule_id, cron_expression, timezone, next_run_at, last_run_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rule_id) DO UPDATE
		SET cron_expression = EXCLUDED.cron_expression,
		    timezone = EXCLUDED.timezone,
		    next_run_at = EXCLUDED.next_run_at,
		    last_run_at = COALESCE(EXCLUDED.last_run_at, rule_schedules.last_run_at),
		    updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, s.RuleID, s.CronExpression, s.Timezone, s.NextRunAt, s.LastRunAt); err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// Get returns the schedule of one rule
func (r *ScheduleRepository) Get(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error) {
	query := `
		SELECT rule_id, cron_expression, timezone, next_run_at, last_run_at
		FROM rule_schedules
		WHERE rule_id = $1`

	s := &models.RuleSchedule{}
	err := r.db.QueryRowContext(ctx, query, ruleID).Scan(&s.RuleID, &s.CronExpression, &s.Timezone, &s.NextRunAt, &s.LastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ListDue returns the schedules whose next run is at or before now
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.RuleSchedule, error) {
	query := `
		SELECT s.rule_id, s.cron_expression, s.timezone, s.next_run_at, s.last_run_at
		FROM rule_schedules s
		JOIN rules r ON r.id = s.rule_id
		WHERE s.next_run_at <= $1 AND r.is_active AND NOT r.is_template
		ORDER BY s.next_run_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.RuleSchedule
	for rows.Next() {
		s := &models.RuleSchedule{}
		if err := rows.Scan(&s.RuleID, &s.CronExpression, &s.Timezone, &s.NextRunAt, &s.LastRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return schedules, nil
}

// Advance moves a schedule from expected to next. It returns models.ErrConflict when
// another instance advanced it first, so each slot fires once.
func (r *ScheduleRepository) Advance(ctx context.Context, ruleID uuid.UUID, expected, next, ranAt time.Time) error {
	query := `
		UPDATE rule_schedules
		SET next_run_at = $3, last_run_at = $4, updated_at = NOW()
		WHERE rule_id = $1 AND next_run_at = $2`

	result, err := r.db.ExecContext(ctx, query, ruleID, expected, next, ranAt)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrConflict
	}
	return nil
}

// Delete removes the schedule of a rule
func (r *ScheduleRepository) Delete(ctx context.Context, ruleID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rule_schedules WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}
