package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/embedded"
	"github.com/overtonx/eventbus/storage"
)

const defaultBatchSize = 100

// RecordProcessor runs the handlers of a claimed outbox row. *Bus implements it.
type RecordProcessor interface {
	ProcessRecord(ctx context.Context, record storage.OutboxRecord) error
}

var _ embedded.EventProcessor = (*EventProcessorImpl)(nil)

// EventProcessorImpl drains due outbox rows: claim, process, then complete or fail.
type EventProcessorImpl struct {
	outbox    *Outbox
	processor RecordProcessor
	logger    *zap.Logger
	metrics   MetricsCollector
	batchSize int
}

func NewEventProcessor(
	outbox *Outbox,
	processor RecordProcessor,
	logger *zap.Logger,
	metrics MetricsCollector,
	batchSize int,
) *EventProcessorImpl {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &EventProcessorImpl{
		outbox:    outbox,
		processor: processor,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// ProcessEvents handles one batch. It is the work function of the polling worker.
func (p *EventProcessorImpl) ProcessEvents(ctx context.Context) error {
	start := time.Now()
	records, err := p.outbox.GetPendingEvents(ctx, p.batchSize)
	if err != nil {
		return err
	}
	p.metrics.RecordDuration("event_processor.fetch_duration", time.Since(start), nil)

	if len(records) == 0 {
		return nil
	}
	p.metrics.RecordGauge("event_processor.batch_size", float64(len(records)), nil)

	var processed, failed, skipped int
	for _, record := range records {
		// Unclaimed rows stay pending for the next poll.
		if ctx.Err() != nil {
			p.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
			break
		}

		claimed, err := p.outbox.MarkAsProcessing(ctx, record.ID)
		if err != nil {
			failed++
			p.logger.Error("Failed to claim outbox record", zap.Int64("outbox_id", record.ID), zap.Error(err))
			continue
		}
		if !claimed {
			skipped++
			continue
		}

		if err := p.processRecord(ctx, record); err != nil {
			failed++
			continue
		}
		processed++
	}

	p.logger.Info("Batch processing completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
	p.metrics.RecordDuration("event_processor.duration", time.Since(start), nil)
	return nil
}

func (p *EventProcessorImpl) processRecord(ctx context.Context, record storage.OutboxRecord) error {
	fields := []zap.Field{
		zap.Int64("outbox_id", record.ID),
		zap.String("event_id", record.EventID),
		zap.String("event_name", record.EventName),
		zap.Int("retry_count", record.RetryCount),
	}
	tags := map[string]string{"event_name": record.EventName}

	procErr := p.processor.ProcessRecord(ctx, record)
	// Status updates must land even when the worker is shutting down.
	ctx = context.WithoutCancel(ctx)

	if procErr != nil {
		p.metrics.IncrementCounter("event_processor.process_failed", tags)
		p.logger.Warn("Failed to process outbox record", append(fields, zap.Error(procErr))...)

		if _, err := p.outbox.MarkAsFailed(ctx, record.ID, procErr.Error()); err != nil {
			p.logger.Error("Failed to mark outbox record as failed", append(fields, zap.Error(err))...)
			return errors.Join(procErr, err)
		}
		return procErr
	}

	if err := p.outbox.MarkAsCompleted(ctx, record.ID); err != nil {
		// Handlers ran; the stuck event recovery will pick the row up again.
		p.logger.Error("Failed to mark outbox record as completed", append(fields, zap.Error(err))...)
		return fmt.Errorf("failed to complete outbox record %d: %w", record.ID, err)
	}

	p.metrics.IncrementCounter("event_processor.process_success", tags)
	p.logger.Debug("Outbox record processed", fields...)
	return nil
}
