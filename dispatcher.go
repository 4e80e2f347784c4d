package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs a set of workers and shuts them down together.
type Dispatcher struct {
	logger  *zap.Logger
	workers []Worker

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Start launches every worker and blocks until ctx ends or Stop is called,
// then waits for all workers to return.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher", zap.Int("worker_count", len(d.workers)))

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() {
			w.Start(ctx)
			d.logger.Info("Worker stopped", zap.String("worker", w.Name()))
		})
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopCh:
	}

	wg.Wait()
	d.logger.Info("Dispatcher stopped")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop signals every worker to finish. Safe to call repeatedly.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		d.logger.Warn("Attempted to stop a dispatcher that was not started")
		return
	}

	d.stopOnce.Do(func() {
		d.logger.Info("Stopping dispatcher")
		close(d.stopCh)
		for _, w := range d.workers {
			w.Stop()
		}
	})
}

func (d *Dispatcher) IsStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}
