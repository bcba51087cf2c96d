package workers

import (
	"context"
	"errors"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// DueRetryLister finds failed executions whose backoff has elapsed
type DueRetryLister interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
}

// RetryQueue accepts executions for an automatic retry
type RetryQueue interface {
	RetryDue(exec *models.Execution) error
}

// RetryWorker polls for scheduled retries and queues them
type RetryWorker struct {
	*ticker
	executions DueRetryLister
	queue      RetryQueue
	clock      engine.Clock
	logger     *logger.Logger
	batchSize  int
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(executions DueRetryLister, queue RetryQueue, clock engine.Clock, log *logger.Logger, interval time.Duration) *RetryWorker {
	if clock == nil {
		clock = engine.RealClock()
	}
	w := &RetryWorker{
		executions: executions,
		queue:      queue,
		clock:      clock,
		logger:     log,
		batchSize:  defaultBatchSize,
	}
	w.ticker = newTicker("retry worker", interval, log, func(ctx context.Context) { w.processDue(ctx) })
	return w
}

func (w *RetryWorker) processDue(ctx context.Context) int {
	executions, err := w.executions.ListDueRetries(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		w.logger.Errorf("Failed to list executions due for retry: %v", err)
		recordJob("retry", err)
		return 0
	}
	if len(executions) == 0 {
		return 0
	}

	queued := 0
	for _, exec := range executions {
		err := w.queue.RetryDue(exec)
		recordJob("retry", err)
		if err != nil {
			if errors.Is(err, engine.ErrDispatcherClosed) {
				return queued
			}
			w.logger.Warnf("Failed to queue retry of execution %s: %v", exec.ID, err)
			continue
		}
		queued++
	}

	w.logger.Infof("Retry check completed: queued=%d, errors=%d", queued, len(executions)-queued)
	return queued
}
