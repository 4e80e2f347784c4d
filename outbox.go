package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

const (
	defaultMaxRetries   = 3
	defaultStuckTimeout = 30 * time.Minute
)

type OutboxOption func(*Outbox)

func WithOutboxLogger(logger *zap.Logger) OutboxOption {
	return func(o *Outbox) {
		o.logger = logger
	}
}

func WithOutboxMetrics(metrics MetricsCollector) OutboxOption {
	return func(o *Outbox) {
		o.metrics = metrics
	}
}

func WithOutboxClock(clock clockwork.Clock) OutboxOption {
	return func(o *Outbox) {
		o.clock = clock
	}
}

// WithOutboxBackoff sets the delay applied before a failed event is retried.
func WithOutboxBackoff(strategy BackoffStrategy) OutboxOption {
	return func(o *Outbox) {
		o.backoff = strategy
	}
}

// Outbox persists events and drives their status transitions:
// pending -> processing -> completed, back to pending on retry, or into the dead-letter table.
type Outbox struct {
	store   storage.Store
	logger  *zap.Logger
	metrics MetricsCollector
	clock   clockwork.Clock
	backoff BackoffStrategy
}

func NewOutbox(store storage.Store, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		store:   store,
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
		clock:   clockwork.NewRealClock(),
		backoff: RetryPolicy{Backoff: defaultBaseDelay, MaxBackoff: defaultMaxDelay, Exponential: true, Jitter: true},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = NewNopMetricsCollector()
	}
	return o
}

// StoreInOutbox writes evt as a pending row. It joins the caller's transaction when ctx carries one.
// A non-positive maxRetries falls back to the default budget.
func (o *Outbox) StoreInOutbox(ctx context.Context, evt *Event, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	payload, err := encodePayload(evt.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return o.insert(ctx, evt, payload, maxRetries)
}

// insert stores maxRetries as given; zero is a valid budget.
func (o *Outbox) insert(ctx context.Context, evt *Event, payload []byte, maxRetries int) (int64, error) {
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	record := &storage.OutboxRecord{
		EventID:    evt.Metadata.EventID,
		EventName:  evt.Metadata.EventName,
		EventData:  payload,
		Metadata:   metadata,
		Status:     storage.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  o.clock.Now().UTC(),
	}
	id, err := o.store.InsertOutbox(ctx, record)
	if err != nil {
		return 0, fmt.Errorf("failed to store event in outbox: %w", err)
	}

	o.metrics.IncrementCounter("eventbus.outbox.stored", map[string]string{"event_name": record.EventName})
	return id, nil
}

// GetPendingEvents returns due pending rows, oldest first.
func (o *Outbox) GetPendingEvents(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	records, err := o.store.FetchPending(ctx, o.clock.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	return records, nil
}

// MarkAsProcessing claims the row. Only one concurrent caller gets true.
func (o *Outbox) MarkAsProcessing(ctx context.Context, id int64) (bool, error) {
	return o.store.MarkProcessing(ctx, id, o.clock.Now().UTC())
}

func (o *Outbox) MarkAsCompleted(ctx context.Context, id int64) error {
	if err := o.store.MarkCompleted(ctx, id, o.clock.Now().UTC()); err != nil {
		return err
	}
	o.metrics.IncrementCounter("eventbus.outbox.completed", nil)
	return nil
}

// MarkAsFailed either schedules a retry (true) or dead-letters the row (false)
// once its retries are used up.
func (o *Outbox) MarkAsFailed(ctx context.Context, id int64, errorMessage string) (bool, error) {
	var retry bool
	err := o.store.WithinTx(ctx, func(ctx context.Context) error {
		record, err := o.store.GetOutboxRecord(ctx, id)
		if err != nil {
			return err
		}
		if record.Status == storage.StatusCompleted {
			return fmt.Errorf("outbox record %d already completed: %w", id, storage.ErrInvalidTransition)
		}

		if record.RetryCount >= record.MaxRetries {
			retry = false
			return o.moveToDeadLetter(ctx, *record, errorMessage)
		}

		nextAttempt := o.clock.Now().UTC().Add(o.backoff.Delay(record.RetryCount))
		if err := o.store.UpdateForRetry(ctx, id, storage.Truncate(errorMessage), nextAttempt); err != nil {
			return err
		}
		retry = true

		o.logger.Info("Scheduling event for retry",
			zap.Int64("outbox_id", id),
			zap.String("event_id", record.EventID),
			zap.Int("retry_count", record.RetryCount+1),
			zap.Time("next_attempt_at", nextAttempt),
			zap.String("error", errorMessage),
		)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to mark outbox record %d as failed: %w", id, err)
	}

	if retry {
		o.metrics.IncrementCounter("eventbus.outbox.retried", nil)
	}
	return retry, nil
}

// MoveToDeadLetter copies the row into the dead-letter table and removes it from the outbox.
// Moving the same row twice leaves a single dead letter.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, record storage.OutboxRecord, reason string) error {
	return o.store.WithinTx(ctx, func(ctx context.Context) error {
		return o.moveToDeadLetter(ctx, record, reason)
	})
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, record storage.OutboxRecord, reason string) error {
	dl := storage.DeadLetterRecord{
		OriginalID:    record.ID,
		EventID:       record.EventID,
		EventName:     record.EventName,
		EventData:     record.EventData,
		Metadata:      record.Metadata,
		RetryCount:    record.RetryCount,
		MaxRetries:    record.MaxRetries,
		FailureReason: storage.Truncate(reason),
		CreatedAt:     record.CreatedAt,
		FailedAt:      o.clock.Now().UTC(),
	}
	if err := o.store.InsertDeadLetter(ctx, dl); err != nil {
		return err
	}
	if err := o.store.DeleteOutbox(ctx, record.ID); err != nil {
		return err
	}

	o.logger.Error("Event moved to dead-letter table",
		zap.Int64("outbox_id", record.ID),
		zap.String("event_id", record.EventID),
		zap.String("event_name", record.EventName),
		zap.Int("retry_count", record.RetryCount),
		zap.String("reason", dl.FailureReason),
	)
	o.metrics.IncrementCounter("eventbus.outbox.dead_lettered", map[string]string{"event_name": record.EventName})
	return nil
}

// GetStuckEvents returns rows left in processing for longer than timeout.
func (o *Outbox) GetStuckEvents(ctx context.Context, timeout time.Duration, limit int) ([]storage.OutboxRecord, error) {
	if timeout <= 0 {
		timeout = defaultStuckTimeout
	}
	threshold := o.clock.Now().UTC().Add(-timeout)
	records, err := o.store.FetchStuck(ctx, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stuck events: %w", err)
	}
	return records, nil
}
