package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

// Next invokes the rest of the pipeline.
type Next func(ctx context.Context) error

// Middleware wraps a handler invocation. It must call next exactly once,
// unless it fails or returns ErrSkipped.
type Middleware func(ctx context.Context, evt *Event, reg *Registration, next Next) error

// Compose chains middlewares, outermost first.
func Compose(mws ...Middleware) Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, final Next) error {
		return runStage(ctx, mws, 0, evt, reg, final)
	}
}

func runStage(ctx context.Context, mws []Middleware, i int, evt *Event, reg *Registration, final Next) error {
	if i == len(mws) {
		return final(ctx)
	}

	var calls atomic.Int32
	next := func(ctx context.Context) error {
		if calls.Add(1) > 1 {
			return ErrNextCalledTwice
		}
		return runStage(ctx, mws, i+1, evt, reg, final)
	}

	err := mws[i](ctx, evt, reg, next)
	switch n := calls.Load(); {
	case n > 1:
		return ErrNextCalledTwice
	case err == nil && n == 0:
		return ErrNextNotCalled
	}
	return err
}

// PipelineConfig holds what the default pipeline needs.
type PipelineConfig struct {
	Logger         *zap.Logger
	Metrics        MetricsCollector
	ProcessingLog  storage.ProcessingLog
	Breakers       *CircuitBreakers
	DefaultTimeout func() time.Duration
}

// NewPipeline builds the default stage order:
// error handling, logging, validation, idempotency, circuit breaker, timeout.
func NewPipeline(cfg PipelineConfig) Middleware {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewNopMetricsCollector()
	}
	return Compose(
		ErrorHandlingMiddleware(cfg.Logger),
		LoggingMiddleware(cfg.Logger, cfg.Metrics),
		ValidationMiddleware(),
		IdempotencyMiddleware(cfg.ProcessingLog, cfg.Logger),
		CircuitBreakerMiddleware(cfg.Breakers),
		TimeoutMiddleware(cfg.DefaultTimeout),
	)
}

// ErrorHandlingMiddleware recovers panics and logs every failure with its context.
// The error is returned unchanged.
func ErrorHandlingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		err := callSafely(ctx, next)
		if err == nil || errors.Is(err, ErrSkipped) {
			return err
		}

		fields := append(eventFields(evt, reg), zap.Error(err), payloadField(evt.Data))
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, zap.ByteString("stack", pe.Stack))
		}

		if errors.Is(err, ErrCircuitOpen) {
			logger.Warn("Handler rejected by circuit breaker", fields...)
		} else {
			logger.Error("Handler failed", fields...)
		}
		return err
	}
}

// LoggingMiddleware logs start and outcome and records the handler duration.
func LoggingMiddleware(logger *zap.Logger, metrics MetricsCollector) Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		fields := eventFields(evt, reg)
		logger.Debug("Handler started", fields...)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		tags := map[string]string{"event_name": evt.Metadata.EventName, "handler": reg.Key()}
		fields = append(fields, zap.Duration("duration", elapsed))
		switch {
		case err == nil:
			tags["outcome"] = "success"
			logger.Debug("Handler completed", fields...)
		case errors.Is(err, ErrSkipped):
			tags["outcome"] = "skipped"
			logger.Debug("Handler skipped", fields...)
		default:
			tags["outcome"] = "failure"
			logger.Debug("Handler returned error", append(fields, zap.Error(err))...)
		}

		metrics.IncrementCounter("eventbus.handler.executions", tags)
		metrics.RecordDuration("eventbus.handler.duration", elapsed, tags)
		return err
	}
}

// ValidationMiddleware parses the payload with the handler's schema.
// Downstream stages and the handler see the parsed value.
func ValidationMiddleware() Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		if reg.Options.Schema == nil {
			return next(ctx)
		}
		parsed, err := reg.Options.Schema.Parse(evt.Data)
		if err != nil {
			return &ValidationError{EventName: evt.Metadata.EventName, Handler: reg.Key(), Err: err}
		}
		evt.Data = parsed
		return next(ctx)
	}
}

// TimeoutMiddleware bounds the handler's running time.
// On expiry it cancels the handler's context and returns without waiting for it.
func TimeoutMiddleware(defaultTimeout func() time.Duration) Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		timeout := reg.Options.Timeout
		if timeout <= 0 && defaultTimeout != nil {
			timeout = defaultTimeout()
		}
		if timeout <= 0 {
			return callSafely(ctx, next)
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- callSafely(runCtx, next)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case err := <-done:
			cancel()
			return err
		case <-timer.C:
			cancel()
			return &TimeoutError{Handler: reg.Key(), Timeout: timeout}
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

func callSafely(ctx context.Context, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next(ctx)
}

func eventFields(evt *Event, reg *Registration) []zap.Field {
	return []zap.Field{
		zap.String("event_id", evt.Metadata.EventID),
		zap.String("event_name", evt.Metadata.EventName),
		zap.String("correlation_id", evt.Metadata.CorrelationID),
		zap.String("module", reg.Options.Module),
		zap.String("handler", reg.ID),
	}
}

func payloadField(data any) zap.Field {
	if raw, ok := data.(json.RawMessage); ok {
		return zap.String("payload", string(raw))
	}
	return zap.Any("payload", data)
}
