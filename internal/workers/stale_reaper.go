package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// StaleExecutionLister finds executions abandoned by a crashed process
type StaleExecutionLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Execution, error)
}

// StaleFailer fails an execution only if it is still stale at the cutoff.
// It returns models.ErrConflict when the execution progressed in the meantime.
type StaleFailer interface {
	ReapStale(ctx context.Context, exec *models.Execution, cutoff time.Time, reason error) error
}

// StaleReaper fails executions that have been running with no pending wait, or
// pending without a worker, for longer than the timeout.
type StaleReaper struct {
	*ticker
	executions StaleExecutionLister
	failer     StaleFailer
	clock      engine.Clock
	logger     *logger.Logger
	timeout    time.Duration
	batchSize  int
}

// NewStaleReaper creates a new stale execution reaper
func NewStaleReaper(
	executions StaleExecutionLister,
	failer StaleFailer,
	clock engine.Clock,
	log *logger.Logger,
	interval time.Duration,
	timeout time.Duration,
) *StaleReaper {
	if clock == nil {
		clock = engine.RealClock()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	w := &StaleReaper{
		executions: executions,
		failer:     failer,
		clock:      clock,
		logger:     log,
		timeout:    timeout,
		batchSize:  100,
	}
	w.ticker = newTicker("stale execution reaper", interval, log, func(ctx context.Context) { w.reap(ctx) })
	return w
}

// reap fails every stale execution and returns how many were failed
func (w *StaleReaper) reap(ctx context.Context) int {
	cutoff := w.clock.Now().Add(-w.timeout)

	running, err := w.executions.ListStale(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to list stale running executions: %v", err)
		recordJob("stale_reaper", err)
	}
	pending, err := w.executions.ListStalePending(ctx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to list stale pending executions: %v", err)
		recordJob("stale_reaper", err)
	}
	if len(running)+len(pending) == 0 {
		return 0
	}

	reaped := 0
	for _, exec := range running {
		if w.fail(ctx, exec, cutoff, fmt.Errorf("execution made no progress for %s", w.timeout)) {
			reaped++
		}
	}
	for _, exec := range pending {
		if w.fail(ctx, exec, cutoff, fmt.Errorf("execution was never started within %s", w.timeout)) {
			reaped++
		}
	}

	if reaped > 0 {
		w.logger.Warnf("Stale executions failed: %d of %d candidates", reaped, len(running)+len(pending))
	}
	return reaped
}

func (w *StaleReaper) fail(ctx context.Context, exec *models.Execution, cutoff time.Time, reason error) bool {
	err := w.failer.ReapStale(ctx, exec, cutoff, reason)
	if errors.Is(err, models.ErrConflict) {
		return false
	}
	recordJob("stale_reaper", err)
	if err != nil {
		w.logger.Errorf("Failed to reap execution %s: %v", exec.ID, err)
		return false
	}
	return true
}
