package eventbus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestPrometheusMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetricsCollector(reg, "eventbus")

	tags := map[string]string{"event_name": "leads:lead.created"}
	m.IncrementCounter("eventbus.events.emitted", tags)
	m.IncrementCounter("eventbus.events.emitted", tags)
	m.RecordDuration("eventbus.handler.duration", 150*time.Millisecond, map[string]string{"handler": "crm-h", "outcome": "success"})
	m.RecordGauge("event_processor.batch_size", 12, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.counters["eventbus.events.emitted"].WithLabelValues("leads:lead.created")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.gauges["event_processor.batch_size"]))

	count, err := testutil.GatherAndCount(reg, "eventbus_eventbus_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusMetricsCollector_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusMetricsCollector(reg, "app")
	second := NewPrometheusMetricsCollector(reg, "app")

	first.IncrementCounter("cleanup.executed", nil)
	second.IncrementCounter("cleanup.executed", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.counters["cleanup.executed"]))
}

func TestPrometheusMetricsCollector_MismatchedLabelsDropped(t *testing.T) {
	m := NewPrometheusMetricsCollector(prometheus.NewRegistry(), "")

	m.IncrementCounter("eventbus.dispatch.failures", map[string]string{"event_name": "a:b"})
	assert.NotPanics(t, func() {
		m.IncrementCounter("eventbus.dispatch.failures", map[string]string{"other": "x"})
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.counters["eventbus.dispatch.failures"].WithLabelValues("a:b")))
}

func TestOpenTelemetryMetricsCollector(t *testing.T) {
	m := NewOpenTelemetryMetricsCollectorWithMeter(noop.NewMeterProvider().Meter("test"))

	assert.NotPanics(t, func() {
		m.IncrementCounter("eventbus.events.emitted", map[string]string{"event_name": "x:y"})
		m.RecordDuration("eventbus.handler.duration", time.Second, nil)
		m.RecordGauge("event_processor.batch_size", 3, nil)
	})
	assert.Len(t, m.counters, 1)
	assert.Len(t, m.histograms, 1)
	assert.Len(t, m.gauges, 1)
}
