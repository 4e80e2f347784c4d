package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

const defaultDeadLetterListLimit = 50

var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterServiceImpl lets operators inspect and replay dead-lettered events.
type DeadLetterServiceImpl struct {
	store   storage.Store
	logger  *zap.Logger
	metrics MetricsCollector
}

func NewDeadLetterService(store storage.Store, logger *zap.Logger, metrics MetricsCollector) *DeadLetterServiceImpl {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterServiceImpl{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// List returns the newest dead letters first.
func (s *DeadLetterServiceImpl) List(ctx context.Context, limit int) ([]storage.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}
	records, err := s.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return records, nil
}

func (s *DeadLetterServiceImpl) Get(ctx context.Context, id int64) (*storage.DeadLetterRecord, error) {
	record, err := s.store.GetDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	return record, err
}

// Requeue puts the event back into the outbox as a fresh pending row with a full retry budget
// and removes the dead letter. It returns the new outbox id.
func (s *DeadLetterServiceImpl) Requeue(ctx context.Context, id int64) (int64, error) {
	var outboxID int64
	var eventName string
	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		dl, err := s.store.GetDeadLetter(ctx, id)
		if err != nil {
			return err
		}
		eventName = dl.EventName

		outboxID, err = s.store.InsertOutbox(ctx, &storage.OutboxRecord{
			EventID:    dl.EventID,
			EventName:  dl.EventName,
			EventData:  dl.EventData,
			Metadata:   dl.Metadata,
			Status:     storage.StatusPending,
			MaxRetries: dl.MaxRetries,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return s.store.DeleteDeadLetter(ctx, id)
	})
	if errors.Is(err, storage.ErrRecordNotFound) {
		return 0, ErrDeadLetterNotFound
	}
	if err != nil {
		s.metrics.IncrementCounter("deadletter.requeue_failed", nil)
		return 0, fmt.Errorf("failed to requeue dead letter %d: %w", id, err)
	}

	s.metrics.IncrementCounter("deadletter.requeued", map[string]string{"event_name": eventName})
	s.logger.Info("Dead letter requeued",
		zap.Int64("dead_letter_id", id),
		zap.Int64("outbox_id", outboxID),
		zap.String("event_name", eventName),
	)
	return outboxID, nil
}

// Discard deletes a dead letter without replaying it.
func (s *DeadLetterServiceImpl) Discard(ctx context.Context, id int64) error {
	if err := s.store.DeleteDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("failed to discard dead letter %d: %w", id, err)
	}
	s.metrics.IncrementCounter("deadletter.discarded", nil)
	s.logger.Info("Dead letter discarded", zap.Int64("dead_letter_id", id))
	return nil
}
