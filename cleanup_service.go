package eventbus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventbus/config"
	"github.com/overtonx/eventbus/embedded"
	"github.com/overtonx/eventbus/storage"
)

var _ embedded.CleanupService = (*CleanupServiceImpl)(nil)

// CleanupServiceImpl выполняет очистку старых записей.
type CleanupServiceImpl struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   MetricsCollector
	retention config.RetentionConfig
}

func NewCleanupService(
	store storage.Store,
	logger *zap.Logger,
	metrics MetricsCollector,
	retention config.RetentionConfig,
) *CleanupServiceImpl {
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupServiceImpl{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
	}
}

type sweep struct {
	name      string
	retention time.Duration
	purge     func(ctx context.Context, before time.Time) (int64, error)
}

// Cleanup deletes rows past their retention. A failing sweep is logged and does not stop the others.
// A zero retention disables that sweep.
func (s *CleanupServiceImpl) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	sweeps := []sweep{
		{name: "completed", retention: s.retention.Completed, purge: s.store.DeleteCompleted},
		{name: "dead_letter", retention: s.retention.DeadLetter, purge: s.store.DeleteDeadLetters},
		{name: "processing_log", retention: s.retention.ProcessingLog, purge: s.store.DeleteProcessingLog},
		{name: "history", retention: s.retention.History, purge: s.store.DeleteHistory},
	}

	now := time.Now().UTC()
	for _, sw := range sweeps {
		if sw.retention <= 0 {
			continue
		}
		deleted, err := sw.purge(ctx, now.Add(-sw.retention))
		if err != nil {
			s.logger.Error("Failed to clean up records", zap.String("table", sw.name), zap.Error(err))
			s.metrics.IncrementCounter("cleanup.failed", map[string]string{"table": sw.name})
			continue
		}
		if deleted > 0 {
			s.logger.Info("Cleaned up records", zap.String("table", sw.name), zap.Int64("count", deleted))
			s.metrics.RecordGauge("cleanup.deleted", float64(deleted), map[string]string{"table": sw.name})
		}
	}

	s.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
