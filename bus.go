package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/config"
	"github.com/overtonx/eventbus/storage"
)

const failureBufferSize = 64

type dispatchFailure struct {
	metadata EventMetadata
	err      error
}

// Bus is the entry point modules use to emit, query and handle events.
// It owns the registry, the outbox and the circuit breakers.
type Bus struct {
	store         storage.Store
	outbox        *Outbox
	registry      *Registry
	breakers      *CircuitBreakers
	processingLog storage.ProcessingLog
	queries       *pendingQueries

	cfg             *config.Manager
	logger          *zap.Logger
	metrics         MetricsCollector
	clock           clockwork.Clock
	extraMiddleware []Middleware
	maxConcurrent   int

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	failures chan dispatchFailure
	drained  chan struct{}
}

// NewBus creates a bus on top of store. A nil store disables the outbox,
// the history log and the default processing log.
func NewBus(store storage.Store, opts ...Option) *Bus {
	b := &Bus{
		store:    store,
		logger:   zap.NewNop(),
		metrics:  NewNopMetricsCollector(),
		clock:    clockwork.NewRealClock(),
		queries:  newPendingQueries(),
		failures: make(chan dispatchFailure, failureBufferSize),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.metrics == nil {
		b.metrics = NewNopMetricsCollector()
	}
	if b.cfg == nil {
		b.cfg = config.NewManager(config.Default())
	}
	if b.processingLog == nil && store != nil {
		b.processingLog = store
	}

	if store != nil {
		b.outbox = NewOutbox(store,
			WithOutboxLogger(b.logger),
			WithOutboxMetrics(b.metrics),
			WithOutboxClock(b.clock),
			WithOutboxBackoff(configBackoff{cfg: b.cfg}),
		)
	}

	b.breakers = NewCircuitBreakers(b.breakerSettings,
		WithBreakerClock(b.clock),
		WithStateChangeHook(b.onBreakerStateChange),
	)

	pipeline := NewPipeline(PipelineConfig{
		Logger:         b.logger,
		Metrics:        b.metrics,
		ProcessingLog:  b.processingLog,
		Breakers:       b.breakers,
		DefaultTimeout: func() time.Duration { return b.cfg.Get().DefaultTimeout },
	})
	if len(b.extraMiddleware) > 0 {
		pipeline = Compose(append([]Middleware{pipeline}, b.extraMiddleware...)...)
	}

	b.registry = NewRegistry(
		WithRegistryLogger(b.logger),
		WithPipeline(pipeline),
		WithMaxConcurrentHandlers(b.maxConcurrent),
	)

	go b.drainFailures()
	return b
}

func (b *Bus) Registry() *Registry { return b.registry }

// Outbox is nil when the bus was created without a store.
func (b *Bus) Outbox() *Outbox { return b.outbox }

func (b *Bus) Breakers() *CircuitBreakers { return b.breakers }

func (b *Bus) Config() *config.Manager { return b.cfg }

// Register is a shortcut for Registry().Register.
func (b *Bus) Register(eventName string, handler HandlerFunc, opts HandlerOptions) (string, error) {
	return b.registry.Register(eventName, handler, opts)
}

// Emit publishes an event. The payload size check runs before anything is written.
// Handler failures on the immediate path are logged, never returned.
func (b *Bus) Emit(ctx context.Context, eventName string, data any, sourceModule string, opts ...EmitOption) (EventMetadata, error) {
	var s emitSettings
	for _, opt := range opts {
		opt(&s)
	}
	return b.emit(ctx, eventName, data, sourceModule, s)
}

func (b *Bus) emit(ctx context.Context, eventName string, data any, sourceModule string, s emitSettings) (EventMetadata, error) {
	if strings.TrimSpace(eventName) == "" {
		return EventMetadata{}, ErrInvalidEventName
	}
	cfg := b.cfg.Get()

	payload, err := encodePayload(data)
	if err != nil {
		return EventMetadata{}, fmt.Errorf("failed to marshal payload for %s: %w", eventName, err)
	}
	if cfg.MaxEventPayloadSize > 0 && len(payload) > cfg.MaxEventPayloadSize {
		return EventMetadata{}, &PayloadTooLargeError{EventName: eventName, Size: len(payload), Limit: cfg.MaxEventPayloadSize}
	}

	correlationID := s.correlationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	metadata := EventMetadata{
		EventID:       uuid.NewString(),
		EventName:     eventName,
		Timestamp:     b.clock.Now().UTC(),
		SourceModule:  sourceModule,
		CorrelationID: correlationID,
		Version:       SchemaVersion,
	}
	otel.GetTextMapPropagator().Inject(ctx, NewMessageCarrier(&metadata))
	evt := &Event{Metadata: metadata, Data: data}

	if cfg.EnableHistory {
		b.recordHistory(ctx, evt, payload)
	}

	durable := cfg.Enabled && !s.bypassOutbox && b.outbox != nil
	if durable {
		var maxRetries int
		if s.maxRetries != nil {
			maxRetries = *s.maxRetries
		} else {
			maxRetries = b.maxRetriesFor(eventName, cfg)
		}
		if _, err := b.outbox.insert(ctx, evt, payload, maxRetries); err != nil {
			return EventMetadata{}, err
		}
	}

	b.metrics.IncrementCounter("eventbus.events.emitted", map[string]string{"event_name": eventName})
	b.logger.Debug("Event emitted",
		zap.String("event_id", metadata.EventID),
		zap.String("event_name", eventName),
		zap.String("source_module", sourceModule),
		zap.String("correlation_id", correlationID),
		zap.Bool("durable", durable),
	)

	if cfg.ImmediateProcessing || !durable || s.forceDispatch {
		if err := b.dispatch(ctx, evt); err != nil {
			if !durable {
				return EventMetadata{}, err
			}
			b.logger.Warn("Bus closed, event left to the outbox worker",
				zap.String("event_id", metadata.EventID),
				zap.String("event_name", eventName),
			)
		}
	}
	return metadata, nil
}

// dispatch runs the handlers in the background. Failures go to the drain goroutine.
func (b *Bus) dispatch(ctx context.Context, evt *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if err := b.Process(context.WithoutCancel(ctx), evt); err != nil {
			b.failures <- dispatchFailure{metadata: evt.Metadata, err: err}
		}
	}()
	return nil
}

func (b *Bus) drainFailures() {
	defer close(b.drained)
	for f := range b.failures {
		b.metrics.IncrementCounter("eventbus.dispatch.failures", map[string]string{"event_name": f.metadata.EventName})
		b.logger.Error("Immediate dispatch failed",
			zap.String("event_id", f.metadata.EventID),
			zap.String("event_name", f.metadata.EventName),
			zap.String("correlation_id", f.metadata.CorrelationID),
			zap.Error(f.err),
		)
	}
}

// Process runs every handler registered for the event.
// It fails only when all handlers failed; the failure also rejects a query waiting on the correlation id.
func (b *Bus) Process(ctx context.Context, evt *Event) error {
	name := evt.Metadata.EventName
	ctx = otel.GetTextMapPropagator().Extract(ctx, NewMessageCarrier(&evt.Metadata))

	results := b.registry.Execute(ctx, name, evt)
	if len(results) == 0 {
		b.logger.Debug("No handlers registered", zap.String("event_name", name), zap.String("event_id", evt.Metadata.EventID))
		return nil
	}

	var failed []error
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, &HandlerError{Handler: res.Registration.Key(), Err: res.Err})
		}
	}
	if len(failed) < len(results) {
		if len(failed) > 0 {
			b.logger.Warn("Some handlers failed",
				zap.String("event_name", name),
				zap.String("event_id", evt.Metadata.EventID),
				zap.Int("failed", len(failed)),
				zap.Int("total", len(results)),
			)
		}
		return nil
	}

	agg := &AggregateError{EventName: name, EventID: evt.Metadata.EventID, errs: failed}
	if evt.Metadata.CorrelationID != "" {
		b.queries.settle(evt.Metadata.CorrelationID, queryResult{err: agg})
	}
	return agg
}

// ProcessRecord replays an outbox row through Process.
func (b *Bus) ProcessRecord(ctx context.Context, record storage.OutboxRecord) error {
	var metadata EventMetadata
	if err := json.Unmarshal(record.Metadata, &metadata); err != nil {
		return fmt.Errorf("failed to decode metadata of outbox record %d: %w", record.ID, err)
	}
	if metadata.EventName == "" {
		metadata.EventName = record.EventName
	}
	if metadata.EventID == "" {
		metadata.EventID = record.EventID
	}
	return b.Process(ctx, &Event{Metadata: metadata, Data: json.RawMessage(record.EventData)})
}

// Close stops accepting dispatches and waits for in-flight ones, bounded by ctx.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(b.failures)
		<-b.drained
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain in-flight events: %w", ctx.Err())
	}
}

func (b *Bus) recordHistory(ctx context.Context, evt *Event, payload []byte) {
	if b.store == nil {
		return
	}
	metadata, err := json.Marshal(evt.Metadata)
	if err == nil {
		err = b.store.InsertHistory(ctx, storage.HistoryRecord{
			EventID:       evt.Metadata.EventID,
			EventName:     evt.Metadata.EventName,
			SourceModule:  evt.Metadata.SourceModule,
			CorrelationID: evt.Metadata.CorrelationID,
			EventData:     payload,
			Metadata:      metadata,
			CreatedAt:     evt.Metadata.Timestamp,
		})
	}
	if err != nil {
		b.logger.Warn("Failed to record event history",
			zap.String("event_id", evt.Metadata.EventID),
			zap.String("event_name", evt.Metadata.EventName),
			zap.Error(err),
		)
	}
}

// maxRetriesFor prefers the largest MaxAttempts among the event's handler retry policies.
// Without one, the configured value is used as is, zero included.
func (b *Bus) maxRetriesFor(eventName string, cfg config.Config) int {
	n := 0
	for _, reg := range b.registry.Handlers(eventName) {
		if p := reg.Options.RetryPolicy; p != nil && p.MaxAttempts > n {
			n = p.MaxAttempts
		}
	}
	if n == 0 {
		n = max(cfg.Retry.MaxAttempts, 0)
	}
	return n
}

func (b *Bus) breakerSettings() BreakerSettings {
	cb := b.cfg.Get().CircuitBreaker
	return BreakerSettings{
		FailureThreshold: cb.FailureThreshold,
		Window:           cb.Window,
		RecoveryTimeout:  cb.RecoveryTimeout,
	}
}

func (b *Bus) onBreakerStateChange(key string, from, to BreakerState) {
	b.metrics.IncrementCounter("eventbus.breaker.transitions", map[string]string{"handler": key, "to": string(to)})
	b.logger.Warn("Circuit breaker state changed",
		zap.String("handler", key),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// configBackoff reads the retry policy from the live config.
type configBackoff struct {
	cfg *config.Manager
}

func (c configBackoff) Delay(retryCount int) time.Duration {
	r := c.cfg.Get().Retry
	return RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Backoff:     r.Backoff,
		MaxBackoff:  r.MaxBackoff,
		Exponential: r.Exponential,
		Jitter:      r.Jitter,
	}.Delay(retryCount)
}
