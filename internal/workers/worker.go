package workers

import (
	"context"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

const defaultBatchSize = 50

// ticker runs a function on a fixed interval until stopped.
// Every polling worker in this package is built on one.
type ticker struct {
	name     string
	interval time.Duration
	logger   *logger.Logger
	tick     func(ctx context.Context)

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newTicker(name string, interval time.Duration, log *logger.Logger, tick func(ctx context.Context)) *ticker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ticker{
		name:     name,
		interval: interval,
		logger:   log,
		tick:     tick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the worker in the background
func (t *ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true

	t.logger.Info("Starting "+t.name,
		logger.String("interval", t.interval.String()),
	)
	go t.run(ctx)
}

// Stop stops the worker gracefully. It is safe to call on a worker that never started.
func (t *ticker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.stopCh)
	t.mu.Unlock()

	if !started {
		return
	}
	t.logger.Info("Stopping " + t.name)
	<-t.doneCh
	t.logger.Info(t.name + " stopped")
}

func (t *ticker) run(ctx context.Context) {
	defer close(t.doneCh)

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	// Run immediately on start
	t.tick(ctx)

	for {
		select {
		case <-tk.C:
			t.tick(ctx)
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func recordJob(worker string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.WorkerJobsProcessed.WithLabelValues(worker, status).Inc()
}
