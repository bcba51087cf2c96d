package workers

import (
	"context"
	"errors"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// ScheduleService defines the interface for schedule operations
type ScheduleService interface {
	GetDueSchedules(ctx context.Context, limit int) ([]*models.RuleSchedule, error)
	MarkTriggered(ctx context.Context, schedule *models.RuleSchedule) (time.Time, error)
}

// RuleTrigger starts one execution of a specific rule
type RuleTrigger interface {
	DispatchToRule(ctx context.Context, rule *models.Rule, event models.TriggerEvent) (*models.Execution, error)
}

// SchedulerWorker fires time_scheduled rules whose next run has arrived
type SchedulerWorker struct {
	*ticker
	scheduleService ScheduleService
	rules           engine.RuleRepository
	trigger         RuleTrigger
	clock           engine.Clock
	logger          *logger.Logger
	batchSize       int
}

// NewSchedulerWorker creates a new scheduler worker
func NewSchedulerWorker(
	scheduleService ScheduleService,
	rules engine.RuleRepository,
	trigger RuleTrigger,
	clock engine.Clock,
	log *logger.Logger,
	checkInterval time.Duration,
) *SchedulerWorker {
	if clock == nil {
		clock = engine.RealClock()
	}
	w := &SchedulerWorker{
		scheduleService: scheduleService,
		rules:           rules,
		trigger:         trigger,
		clock:           clock,
		logger:          log,
		batchSize:       100,
	}
	w.ticker = newTicker("scheduler worker", checkInterval, log, func(ctx context.Context) { w.processDueSchedules(ctx) })
	return w
}

// processDueSchedules claims each due slot and then dispatches its rule. Claiming
// first means a slot fires at most once even with several API instances polling.
func (w *SchedulerWorker) processDueSchedules(ctx context.Context) int {
	schedules, err := w.scheduleService.GetDueSchedules(ctx, w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to get due schedules: %v", err)
		recordJob("scheduler", err)
		return 0
	}
	if len(schedules) == 0 {
		w.logger.Debug("No due schedules found")
		return 0
	}

	w.logger.Infof("Found %d due schedules to process", len(schedules))

	triggered, skipped, errorCount := 0, 0, 0
	for _, schedule := range schedules {
		dueAt := schedule.NextRunAt
		if _, err := w.scheduleService.MarkTriggered(ctx, schedule); err != nil {
			if errors.Is(err, models.ErrConflict) {
				skipped++
				continue
			}
			w.logger.Errorf("Failed to mark schedule of rule %s as triggered: %v", schedule.RuleID, err)
			recordJob("scheduler", err)
			errorCount++
			continue
		}

		rule, err := w.rules.GetRuleByID(ctx, schedule.RuleID.String())
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				w.logger.Errorf("Failed to load scheduled rule %s: %v", schedule.RuleID, err)
				recordJob("scheduler", err)
				errorCount++
				continue
			}
			skipped++
			continue
		}
		if !rule.IsActive || rule.IsTemplate || rule.TriggerType != models.TriggerTimeScheduled {
			skipped++
			continue
		}

		event := models.TriggerEvent{
			Type: models.TriggerTimeScheduled,
			Payload: models.JSONB{
				"cron":         schedule.CronExpression,
				"timezone":     schedule.Timezone,
				"scheduled_at": dueAt.UTC().Format(time.RFC3339),
			},
			ReceivedAt: w.clock.Now(),
		}
		exec, err := w.trigger.DispatchToRule(ctx, rule, event)
		recordJob("scheduler", err)
		if err != nil {
			w.logger.Errorf("Failed to trigger scheduled rule %s: %v", rule.ID, err)
			errorCount++
			continue
		}

		w.logger.Infof("Triggered scheduled rule: rule_id=%s, execution_id=%s", rule.ID, exec.ID)
		triggered++
	}

	w.logger.Infof("Scheduled rules processed: triggered=%d, skipped=%d, errors=%d", triggered, skipped, errorCount)
	return triggered
}
