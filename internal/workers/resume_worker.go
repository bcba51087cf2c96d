package workers

import (
	"context"
	"errors"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// DueResumeLister finds waiting executions whose resume time has passed
type DueResumeLister interface {
	ListDueResumes(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
}

// ResumeQueue accepts executions to continue after a wait
type ResumeQueue interface {
	Resume(exec *models.Execution) error
}

// ResumeWorker hands executions whose wait has elapsed back to the dispatcher.
// The dispatcher claims each one atomically, so a row listed twice runs once.
type ResumeWorker struct {
	*ticker
	executions DueResumeLister
	queue      ResumeQueue
	clock      engine.Clock
	logger     *logger.Logger
	batchSize  int
}

// NewResumeWorker creates a new resume worker
func NewResumeWorker(executions DueResumeLister, queue ResumeQueue, clock engine.Clock, log *logger.Logger, interval time.Duration) *ResumeWorker {
	if clock == nil {
		clock = engine.RealClock()
	}
	w := &ResumeWorker{
		executions: executions,
		queue:      queue,
		clock:      clock,
		logger:     log,
		batchSize:  defaultBatchSize,
	}
	w.ticker = newTicker("resume worker", interval, log, func(ctx context.Context) { w.processDue(ctx) })
	return w
}

// processDue queues every execution ready to resume and returns how many were queued
func (w *ResumeWorker) processDue(ctx context.Context) int {
	executions, err := w.executions.ListDueResumes(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to list executions due to resume: %v", err)
		recordJob("resume", err)
		return 0
	}
	if len(executions) == 0 {
		return 0
	}

	queued := 0
	for _, exec := range executions {
		err := w.queue.Resume(exec)
		recordJob("resume", err)
		if err != nil {
			if errors.Is(err, engine.ErrDispatcherClosed) {
				return queued
			}
			// left waiting; the next tick lists it again
			w.logger.Warnf("Failed to queue resume of execution %s: %v", exec.ID, err)
			continue
		}
		queued++
	}

	w.logger.Infof("Resume check completed: queued=%d, errors=%d", queued, len(executions)-queued)
	return queued
}
