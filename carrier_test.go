package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMessageCarrier_SetGetKeys(t *testing.T) {
	md := &EventMetadata{}
	carrier := NewMessageCarrier(md)

	assert.Empty(t, carrier.Get("traceparent"))
	assert.Empty(t, carrier.Keys())

	carrier.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	carrier.Set("tracestate", "vendor=1")

	assert.Equal(t, "vendor=1", md.Headers["tracestate"])
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, carrier.Keys())
}

func TestMessageCarrier_PropagatesTraceContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)

	propagator := propagation.TraceContext{}
	md := EventMetadata{EventID: "evt-1"}
	propagator.Inject(ctx, NewMessageCarrier(&md))
	require.Contains(t, md.Headers, "traceparent")

	extracted := trace.SpanContextFromContext(propagator.Extract(context.Background(), NewMessageCarrier(&md)))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.True(t, extracted.IsSampled())
}
