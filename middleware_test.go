package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/eventbus/storage"
)

type leadCreated struct {
	LeadID string `json:"leadId" validate:"required"`
	Score  int    `json:"score" validate:"gte=0,lte=100"`
}

func testRegistration(opts HandlerOptions) *Registration {
	if opts.Module == "" {
		opts.Module = "crm"
	}
	if opts.HandlerID == "" {
		opts.HandlerID = "onLeadCreated"
	}
	return &Registration{EventName: "leads:lead.created", ID: opts.HandlerID, Options: opts}
}

func run(mw Middleware, evt *Event, reg *Registration, handler HandlerFunc) error {
	return mw(context.Background(), evt, reg, func(ctx context.Context) error {
		return handler(ctx, evt)
	})
}

func TestCompose_Order(t *testing.T) {
	var trace []string
	stage := func(name string) Middleware {
		return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
			trace = append(trace, name+">")
			err := next(ctx)
			trace = append(trace, "<"+name)
			return err
		}
	}

	err := run(Compose(stage("a"), stage("b")), &Event{}, testRegistration(HandlerOptions{}), func(context.Context, *Event) error {
		trace = append(trace, "handler")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, trace)
}

func TestCompose_NextContract(t *testing.T) {
	twice := func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		_ = next(ctx)
		return next(ctx)
	}
	never := func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		return nil
	}
	calls := 0
	handler := func(context.Context, *Event) error {
		calls++
		return nil
	}

	assert.ErrorIs(t, run(Compose(twice), &Event{}, testRegistration(HandlerOptions{}), handler), ErrNextCalledTwice)
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, run(Compose(never), &Event{}, testRegistration(HandlerOptions{}), handler), ErrNextNotCalled)
	assert.Equal(t, 1, calls)
}

func TestErrorHandlingMiddleware_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	mw := ErrorHandlingMiddleware(zap.New(core))

	err := run(mw, &Event{Data: map[string]any{"leadId": "L-1"}}, testRegistration(HandlerOptions{}), func(context.Context, *Event) error {
		panic("nil map write")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nil map write", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Handler failed", entry.Message)
	assert.Equal(t, "crm", entry.ContextMap()["module"])
	assert.Contains(t, entry.ContextMap(), "stack")
}

func TestErrorHandlingMiddleware_PassesErrorsThrough(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mw := ErrorHandlingMiddleware(zap.New(core))
	boom := errors.New("boom")

	err := run(mw, &Event{}, testRegistration(HandlerOptions{}), func(context.Context, *Event) error { return boom })
	assert.Same(t, boom, err)

	open := &CircuitOpenError{Key: "crm-onLeadCreated"}
	err = run(mw, &Event{}, testRegistration(HandlerOptions{}), func(context.Context, *Event) error { return open })
	assert.Same(t, open, err)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

type recordingMetrics struct {
	NopMetricsCollector
	counters []map[string]string
}

func (m *recordingMetrics) IncrementCounter(name string, tags map[string]string) {
	m.counters = append(m.counters, tags)
}

func TestLoggingMiddleware_RecordsOutcome(t *testing.T) {
	metrics := &recordingMetrics{}
	mw := LoggingMiddleware(zap.NewNop(), metrics)
	reg := testRegistration(HandlerOptions{})
	evt := &Event{Metadata: EventMetadata{EventName: "leads:lead.created"}}

	require.NoError(t, run(mw, evt, reg, func(context.Context, *Event) error { return nil }))
	require.Error(t, run(mw, evt, reg, func(context.Context, *Event) error { return errors.New("x") }))

	require.Len(t, metrics.counters, 2)
	assert.Equal(t, "success", metrics.counters[0]["outcome"])
	assert.Equal(t, "failure", metrics.counters[1]["outcome"])
	assert.Equal(t, "crm-onLeadCreated", metrics.counters[1]["handler"])
}

func TestValidationMiddleware(t *testing.T) {
	mw := ValidationMiddleware()
	reg := testRegistration(HandlerOptions{Schema: NewStructSchema[leadCreated]()})

	t.Run("coerces payload", func(t *testing.T) {
		evt := &Event{Data: map[string]any{"leadId": "L-7", "score": 40}}
		var got any
		err := run(mw, evt, reg, func(_ context.Context, evt *Event) error {
			got = evt.Data
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, leadCreated{LeadID: "L-7", Score: 40}, got)
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		called := false
		err := run(mw, &Event{Data: map[string]any{"score": 400}}, reg, func(context.Context, *Event) error {
			called = true
			return nil
		})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "crm-onLeadCreated", ve.Handler)
		assert.False(t, called)
	})

	t.Run("no schema", func(t *testing.T) {
		evt := &Event{Data: "raw"}
		require.NoError(t, run(mw, evt, testRegistration(HandlerOptions{}), func(context.Context, *Event) error { return nil }))
		assert.Equal(t, "raw", evt.Data)
	})
}

func TestTimeoutMiddleware(t *testing.T) {
	mw := TimeoutMiddleware(func() time.Duration { return time.Hour })

	t.Run("expires", func(t *testing.T) {
		cancelled := make(chan struct{})
		reg := testRegistration(HandlerOptions{Timeout: 20 * time.Millisecond})
		err := run(mw, &Event{}, reg, func(ctx context.Context, _ *Event) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})

		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.ErrorIs(t, err, ErrHandlerTimeout)
		assert.Equal(t, 20*time.Millisecond, te.Timeout)

		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("handler context was not cancelled")
		}
	})

	t.Run("finishes in time", func(t *testing.T) {
		boom := errors.New("boom")
		err := run(mw, &Event{}, testRegistration(HandlerOptions{}), func(context.Context, *Event) error { return boom })
		assert.Same(t, boom, err)
	})
}

func TestIdempotencyMiddleware(t *testing.T) {
	log := new(storage.MockStore)
	mw := IdempotencyMiddleware(log, zap.NewNop())
	reg := testRegistration(HandlerOptions{IdempotencyKey: func(evt *Event) string { return "lead:" + evt.Metadata.EventID }})
	evt := &Event{Metadata: EventMetadata{EventID: "evt-1"}}

	log.On("IsProcessed", mock.Anything, "crm-onLeadCreated", "lead:evt-1").Return(false, nil).Once()
	log.On("MarkProcessed", mock.Anything, mock.MatchedBy(func(r storage.ProcessingLogRecord) bool {
		return r.HandlerName == "crm-onLeadCreated" && r.IdempotencyKey == "lead:evt-1" && r.EventID == "evt-1"
	})).Return(nil).Once()
	log.On("IsProcessed", mock.Anything, "crm-onLeadCreated", "lead:evt-1").Return(true, nil).Once()

	calls := 0
	handler := func(context.Context, *Event) error {
		calls++
		return nil
	}

	require.NoError(t, run(mw, evt, reg, handler))
	assert.ErrorIs(t, run(mw, evt, reg, handler), ErrSkipped)
	assert.Equal(t, 1, calls)
	log.AssertExpectations(t)
}

func TestIdempotencyMiddleware_FailureIsNotRecorded(t *testing.T) {
	log := new(storage.MockStore)
	mw := IdempotencyMiddleware(log, zap.NewNop())
	reg := testRegistration(HandlerOptions{IdempotencyKey: func(*Event) string { return "k" }})

	log.On("IsProcessed", mock.Anything, mock.Anything, "k").Return(false, nil).Once()

	err := run(mw, &Event{}, reg, func(context.Context, *Event) error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")
	log.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
}

func TestIdempotencyMiddleware_LookupError(t *testing.T) {
	log := new(storage.MockStore)
	mw := IdempotencyMiddleware(log, zap.NewNop())
	reg := testRegistration(HandlerOptions{IdempotencyKey: func(*Event) string { return "k" }})

	log.On("IsProcessed", mock.Anything, mock.Anything, "k").Return(false, errors.New("db is down")).Once()

	err := run(mw, &Event{}, reg, func(context.Context, *Event) error { return nil })
	assert.ErrorContains(t, err, "db is down")
}
