package eventbus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/embedded"
)

const stuckRecoveryReason = "event recovered from stuck state"

var _ embedded.StuckEventService = (*StuckEventServiceImpl)(nil)

// StuckEventServiceImpl returns rows abandoned in processing to the retry path.
// Rows whose retries are used up are dead-lettered by the same call.
type StuckEventServiceImpl struct {
	outbox       *Outbox
	logger       *zap.Logger
	metrics      MetricsCollector
	stuckTimeout time.Duration
	batchSize    int
}

func NewStuckEventService(
	outbox *Outbox,
	logger *zap.Logger,
	metrics MetricsCollector,
	stuckTimeout time.Duration,
	batchSize int,
) *StuckEventServiceImpl {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stuckTimeout <= 0 {
		stuckTimeout = defaultStuckTimeout
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &StuckEventServiceImpl{
		outbox:       outbox,
		logger:       logger,
		metrics:      metrics,
		stuckTimeout: stuckTimeout,
		batchSize:    batchSize,
	}
}

func (s *StuckEventServiceImpl) RecoverStuckEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("stuck_events.recovery.duration", time.Since(start), nil)
	}()

	records, err := s.outbox.GetStuckEvents(ctx, s.stuckTimeout, s.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var requeued, deadLettered int
	for _, record := range records {
		retry, err := s.outbox.MarkAsFailed(ctx, record.ID, stuckRecoveryReason)
		if err != nil {
			s.logger.Error("Failed to recover stuck event",
				zap.Int64("outbox_id", record.ID),
				zap.String("event_id", record.EventID),
				zap.Error(err),
			)
			continue
		}
		if retry {
			requeued++
			s.metrics.IncrementCounter("stuck_events.requeued", nil)
		} else {
			deadLettered++
			s.metrics.IncrementCounter("stuck_events.dead_lettered", nil)
		}
	}

	s.logger.Info("Stuck event recovery completed",
		zap.Int("requeued", requeued),
		zap.Int("dead_lettered", deadLettered),
		zap.Duration("stuck_threshold", s.stuckTimeout),
	)
	s.metrics.RecordGauge("stuck_events.recovered_batch_size", float64(requeued+deadLettered), nil)
	return nil
}
