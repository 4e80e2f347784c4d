package eventbus

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/config"
	"github.com/overtonx/eventbus/storage"
)

func TestBusOptions(t *testing.T) {
	logger := zap.NewNop()
	metrics := NewNopMetricsCollector()
	cfg := config.NewManager(config.Default())
	clock := clockwork.NewFakeClock()
	log := new(storage.MockStore)
	mw := func(ctx context.Context, evt *Event, reg *Registration, next Next) error { return next(ctx) }

	b := &Bus{}
	WithLogger(logger)(b)
	WithMetrics(metrics)(b)
	WithConfig(cfg)(b)
	WithClock(clock)(b)
	WithProcessingLog(log)(b)
	WithMiddleware(mw, mw)(b)
	WithBusMaxConcurrentHandlers(4)(b)

	assert.Equal(t, logger, b.logger)
	assert.Equal(t, metrics, b.metrics)
	assert.Same(t, cfg, b.cfg)
	assert.Equal(t, clock, b.clock)
	assert.Equal(t, log, b.processingLog)
	assert.Len(t, b.extraMiddleware, 2)
	assert.Equal(t, 4, b.maxConcurrent)
}

func TestEmitOptions(t *testing.T) {
	var s emitSettings
	WithCorrelationID("corr-9")(&s)
	WithBypassOutbox()(&s)
	WithMaxRetries(7)(&s)

	assert.Equal(t, "corr-9", s.correlationID)
	assert.True(t, s.bypassOutbox)
	require.NotNil(t, s.maxRetries)
	assert.Equal(t, 7, *s.maxRetries)

	WithMaxRetries(0)(&s)
	assert.Equal(t, 0, *s.maxRetries)

	var unset emitSettings
	WithMaxRetries(-1)(&unset)
	assert.Nil(t, unset.maxRetries)
}

func TestNewBus_Defaults(t *testing.T) {
	b := NewBus(nil)
	defer b.Close(context.Background())

	assert.NotNil(t, b.Registry())
	assert.NotNil(t, b.Breakers())
	assert.Nil(t, b.Outbox())
	assert.Equal(t, config.Default(), b.Config().Get())
}
