package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

const inactivityScanLimit = 5000

// InactiveSubjectLister finds subjects with no activity since cutoff
type InactiveSubjectLister interface {
	ListInactiveSubjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Subject, error)
}

// InactivityDispatcher runs a scheduled_inactivity rule for a set of subjects
type InactivityDispatcher interface {
	DispatchInactivity(ctx context.Context, rule *models.Rule, subjects []engine.InactiveSubject) (int, error)
}

type scanMark struct {
	days   int
	cutoff time.Time
}

// InactivityScanner runs scheduled_inactivity rules on a cron schedule.
//
// A subject is dispatched once per crossing: after the first scan a rule only
// sees subjects whose inactivity threshold passed since its previous scan.
// Marks live in memory, so the first scan after a restart dispatches every
// subject that is currently inactive.
type InactivityScanner struct {
	rules       engine.RuleRepository
	subjects    InactiveSubjectLister
	dispatcher  InactivityDispatcher
	clock       engine.Clock
	logger      *logger.Logger
	spec        string
	timezone    string
	defaultDays int

	mu    sync.Mutex
	marks map[uuid.UUID]scanMark
	cron  *cron.Cron
}

// NewInactivityScanner creates a scanner that fires on spec, evaluated in timezone
func NewInactivityScanner(
	rules engine.RuleRepository,
	subjects InactiveSubjectLister,
	dispatcher InactivityDispatcher,
	clock engine.Clock,
	log *logger.Logger,
	spec, timezone string,
	defaultDays int,
) *InactivityScanner {
	if clock == nil {
		clock = engine.RealClock()
	}
	if defaultDays <= 0 {
		defaultDays = 30
	}
	return &InactivityScanner{
		rules:       rules,
		subjects:    subjects,
		dispatcher:  dispatcher,
		clock:       clock,
		logger:      log,
		spec:        spec,
		timezone:    timezone,
		defaultDays: defaultDays,
		marks:       make(map[uuid.UUID]scanMark),
	}
}

// Start registers the scan with a cron scheduler and starts it
func (s *InactivityScanner) Start(ctx context.Context) error {
	schedule, loc, err := engine.ParseSchedule(s.spec, s.timezone)
	if err != nil {
		return fmt.Errorf("inactivity scan schedule: %w", err)
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Errorf("Inactivity scan failed: %v", err)
		}
	}))

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info("Inactivity scanner started",
		logger.String("schedule", s.spec),
		logger.String("timezone", loc.String()),
	)
	return nil
}

// Stop stops the scheduler and waits for a running scan to finish
func (s *InactivityScanner) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	<-stopCtx.Done()
	s.logger.Info("Inactivity scanner stopped")
}

// Scan checks every active scheduled_inactivity rule once and returns the number of runs started
func (s *InactivityScanner) Scan(ctx context.Context) (int, error) {
	rules, err := s.rules.ListActiveRulesByTrigger(ctx, models.TriggerScheduledInactivity)
	if err != nil {
		recordJob("inactivity_scan", err)
		return 0, fmt.Errorf("failed to list inactivity rules: %w", err)
	}

	now := s.clock.Now()
	started := 0
	for _, rule := range rules {
		if !rule.IsActive || rule.IsTemplate {
			continue
		}
		n, err := s.scanRule(ctx, rule, now)
		recordJob("inactivity_scan", err)
		if err != nil {
			s.logger.Errorf("Inactivity scan of rule %s failed: %v", rule.ID, err)
			continue
		}
		started += n
	}

	if started > 0 {
		s.logger.Infof("Inactivity scan completed: rules=%d, runs=%d", len(rules), started)
	}
	return started, nil
}

func (s *InactivityScanner) scanRule(ctx context.Context, rule *models.Rule, now time.Time) (int, error) {
	days := rule.IntSetting("inactivity_days", s.defaultDays)
	if days <= 0 {
		days = s.defaultDays
	}
	cutoff := now.AddDate(0, 0, -days)

	subjects, err := s.subjects.ListInactiveSubjects(ctx, cutoff, inactivityScanLimit)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	mark, seen := s.marks[rule.ID]
	s.mu.Unlock()
	if seen && mark.days != days {
		seen = false
	}

	batch := make([]engine.InactiveSubject, 0, len(subjects))
	for _, subject := range subjects {
		activity := subject.CreatedAt
		if subject.LastActivityAt != nil {
			activity = *subject.LastActivityAt
		}
		if seen && activity.Before(mark.cutoff) {
			continue
		}
		batch = append(batch, engine.InactiveSubject{
			SubjectID:      subject.ID,
			LastActivityAt: subject.LastActivityAt,
		})
	}

	started := 0
	if len(batch) > 0 {
		started, err = s.dispatcher.DispatchInactivity(ctx, rule, batch)
		if err != nil {
			return started, err
		}
	}

	s.mu.Lock()
	s.marks[rule.ID] = scanMark{days: days, cutoff: cutoff}
	s.mu.Unlock()
	return started, nil
}

// cronLogger adapts the zap logger to cron.Logger
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
