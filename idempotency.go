package eventbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

// IdempotencyMiddleware skips handlers that already processed the event's key.
// The key is recorded only after the handler succeeds.
func IdempotencyMiddleware(log storage.ProcessingLog, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		if log == nil || reg.Options.IdempotencyKey == nil {
			return next(ctx)
		}
		key := reg.Options.IdempotencyKey(evt)
		if key == "" {
			return next(ctx)
		}

		handler := reg.Key()
		processed, err := log.IsProcessed(ctx, handler, key)
		if err != nil {
			return fmt.Errorf("failed to check processing log: %w", err)
		}
		if processed {
			logger.Debug("Event already processed, skipping handler",
				zap.String("event_id", evt.Metadata.EventID),
				zap.String("handler", handler),
				zap.String("idempotency_key", key),
			)
			return ErrSkipped
		}

		if err := next(ctx); err != nil {
			return err
		}

		record := storage.ProcessingLogRecord{
			HandlerName:    handler,
			IdempotencyKey: key,
			EventID:        evt.Metadata.EventID,
			ProcessedAt:    time.Now().UTC(),
		}
		if err := log.MarkProcessed(ctx, record); err != nil {
			// The handler already succeeded; a later redelivery may run it again.
			logger.Error("Failed to record processed event",
				zap.String("event_id", evt.Metadata.EventID),
				zap.String("handler", handler),
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
		return nil
	}
}
