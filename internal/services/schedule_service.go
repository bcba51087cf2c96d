package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// ScheduleRepository defines the interface for schedule data access
type ScheduleRepository interface {
	Upsert(ctx context.Context, schedule *models.RuleSchedule) error
	Get(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.RuleSchedule, error)
	Advance(ctx context.Context, ruleID uuid.UUID, expected, next, ranAt time.Time) error
	Delete(ctx context.Context, ruleID uuid.UUID) error
}

// ScheduleService keeps the next run of every time_scheduled rule
type ScheduleService struct {
	scheduleRepo ScheduleRepository
	clock        engine.Clock
	logger       *logger.Logger
}

// NewScheduleService creates a new schedule service
func NewScheduleService(scheduleRepo ScheduleRepository, clock engine.Clock, log *logger.Logger) *ScheduleService {
	if clock == nil {
		clock = engine.RealClock()
	}
	return &ScheduleService{
		scheduleRepo: scheduleRepo,
		clock:        clock,
		logger:       log,
	}
}

// Sync creates, refreshes or removes the schedule of rule. Only active,
// non-template time_scheduled rules keep a schedule.
func (s *ScheduleService) Sync(ctx context.Context, rule *models.Rule) error {
	if rule.TriggerType != models.TriggerTimeScheduled || !rule.IsActive || rule.IsTemplate {
		if err := s.scheduleRepo.Delete(ctx, rule.ID); err != nil {
			return fmt.Errorf("failed to remove schedule: %w", err)
		}
		return nil
	}

	spec := rule.TriggerConfig.String("cron")
	timezone := rule.TriggerConfig.String("timezone")
	if timezone == "" {
		timezone = "UTC"
	}
	next, err := s.nextRun(spec, timezone, s.clock.Now())
	if err != nil {
		return err
	}

	schedule := &models.RuleSchedule{
		RuleID:         rule.ID,
		CronExpression: spec,
		Timezone:       timezone,
		NextRunAt:      next,
	}
	if err := s.scheduleRepo.Upsert(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	s.logger.Infof("Scheduled rule %s with cron %s (%s), next run at %s", rule.ID, spec, timezone, next.Format(time.RFC3339))
	return nil
}

// GetSchedule retrieves the schedule of a rule
func (s *ScheduleService) GetSchedule(ctx context.Context, ruleID uuid.UUID) (*models.RuleSchedule, error) {
	return s.scheduleRepo.Get(ctx, ruleID)
}

// GetDueSchedules retrieves the schedules that are due to run
func (s *ScheduleService) GetDueSchedules(ctx context.Context, limit int) ([]*models.RuleSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.scheduleRepo.ListDue(ctx, s.clock.Now(), limit)
}

// MarkTriggered advances a due schedule to its next slot. It returns models.ErrConflict
// when another worker already claimed this slot.
func (s *ScheduleService) MarkTriggered(ctx context.Context, schedule *models.RuleSchedule) (time.Time, error) {
	now := s.clock.Now()
	from := now
	if schedule.NextRunAt.After(from) {
		from = schedule.NextRunAt
	}

	next, err := s.nextRun(schedule.CronExpression, schedule.Timezone, from)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.scheduleRepo.Advance(ctx, schedule.RuleID, schedule.NextRunAt, next, now); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("failed to update trigger times: %w", err)
	}

	s.logger.Debugf("Schedule of rule %s triggered, next run at %s", schedule.RuleID, next.Format(time.RFC3339))
	return next, nil
}

// GetNextRuns calculates the next N run times for a rule's schedule
func (s *ScheduleService) GetNextRuns(ctx context.Context, ruleID uuid.UUID, count int) ([]time.Time, error) {
	if count <= 0 || count > 100 {
		count = 10
	}

	schedule, err := s.scheduleRepo.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	cronSchedule, loc, err := engine.ParseSchedule(schedule.CronExpression, schedule.Timezone)
	if err != nil {
		return nil, err
	}

	runs := make([]time.Time, count)
	current := s.clock.Now().In(loc)
	for i := 0; i < count; i++ {
		current = cronSchedule.Next(current)
		runs[i] = current
	}

	return runs, nil
}

// ValidateCronExpression validates a cron expression and timezone
func (s *ScheduleService) ValidateCronExpression(expression, timezone string) error {
	_, _, err := engine.ParseSchedule(expression, timezone)
	return err
}

func (s *ScheduleService) nextRun(spec, timezone string, from time.Time) (time.Time, error) {
	cronSchedule, loc, err := engine.ParseSchedule(spec, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := cronSchedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", spec)
	}
	return next.UTC(), nil
}
