package eventbus

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/config"
	"github.com/overtonx/eventbus/storage"
)

//
// Bus Options
//

type Option func(*Bus)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithConfig shares a live config manager with the bus. Changes apply to the next call.
func WithConfig(cfg *config.Manager) Option {
	return func(b *Bus) {
		b.cfg = cfg
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(b *Bus) {
		b.clock = clock
	}
}

// WithProcessingLog replaces the store as the idempotency log, e.g. with Redis.
func WithProcessingLog(log storage.ProcessingLog) Option {
	return func(b *Bus) {
		b.processingLog = log
	}
}

// WithMiddleware adds stages that run inside the default pipeline, just before the handler.
func WithMiddleware(mws ...Middleware) Option {
	return func(b *Bus) {
		b.extraMiddleware = append(b.extraMiddleware, mws...)
	}
}

func WithBusMaxConcurrentHandlers(n int) Option {
	return func(b *Bus) {
		b.maxConcurrent = n
	}
}

//
// Emit Options
//

type EmitOption func(*emitSettings)

type emitSettings struct {
	correlationID string
	bypassOutbox  bool
	maxRetries    *int
	forceDispatch bool
}

// WithCorrelationID ties the event to an existing request or query.
func WithCorrelationID(id string) EmitOption {
	return func(s *emitSettings) {
		s.correlationID = id
	}
}

// WithBypassOutbox skips the durable write; the event is only dispatched in-process.
func WithBypassOutbox() EmitOption {
	return func(s *emitSettings) {
		s.bypassOutbox = true
	}
}

// WithMaxRetries overrides the retry budget of the outbox row. Zero means the first failure dead-letters it.
func WithMaxRetries(n int) EmitOption {
	return func(s *emitSettings) {
		if n >= 0 {
			s.maxRetries = &n
		}
	}
}
