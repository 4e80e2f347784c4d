package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/embedded"
)

type Worker = embedded.Worker

type WorkerOption func(*BaseWorker)

func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *BaseWorker) {
		w.clock = clock
	}
}

// WithRunOnStart runs the first tick immediately instead of after one interval.
func WithRunOnStart() WorkerOption {
	return func(w *BaseWorker) {
		w.runOnStart = true
	}
}

// BaseWorker calls run on every tick until its context ends or Stop is called.
// A tick that fires while run is still busy is dropped.
type BaseWorker struct {
	name       string
	interval   time.Duration
	logger     *zap.Logger
	clock      clockwork.Clock
	run        func(ctx context.Context) error
	runOnStart bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewBaseWorker(name string, interval time.Duration, logger *zap.Logger, run func(ctx context.Context) error, opts ...WorkerOption) *BaseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BaseWorker{
		name:     name,
		interval: interval,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		run:      run,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("Worker already started", zap.String("worker", w.name))
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()
	defer close(w.done)

	w.logger.Info("Worker starting", zap.String("worker", w.name), zap.Duration("interval", w.interval))
	defer w.logger.Info("Worker finished", zap.String("worker", w.name))

	if w.runOnStart {
		w.tick(ctx)
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.tick(ctx)
		}
	}
}

func (w *BaseWorker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := w.clock.Now()
	if err := w.run(ctx); err != nil {
		w.logger.Error("Worker run failed",
			zap.String("worker", w.name),
			zap.Duration("duration", w.clock.Since(start)),
			zap.Error(err),
		)
	}
}

// Stop cancels the loop and waits for the current run to return. Safe to call repeatedly.
func (w *BaseWorker) Stop() {
	w.mu.Lock()
	started, cancel := w.started, w.cancel
	w.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-w.done
}

func (w *BaseWorker) Name() string {
	return w.name
}
