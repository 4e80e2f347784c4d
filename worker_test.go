package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBaseWorker_RunsOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runs := make(chan struct{}, 10)
	worker := NewBaseWorker("outbox-poller", time.Second, zap.NewNop(), func(ctx context.Context) error {
		runs <- struct{}{}
		return nil
	}, WithWorkerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	for range 3 {
		clock.Advance(time.Second)
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatal("worker did not run on tick")
		}
	}

	worker.Stop()
	assert.Equal(t, "outbox-poller", worker.Name())
}

func TestBaseWorker_RunOnStart(t *testing.T) {
	runs := make(chan struct{}, 1)
	worker := NewBaseWorker("cleanup", time.Hour, zap.NewNop(), func(ctx context.Context) error {
		runs <- struct{}{}
		return errors.New("ignored")
	}, WithRunOnStart())

	go worker.Start(context.Background())

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("worker did not run on start")
	}
	worker.Stop()
}

func TestBaseWorker_ContextCancellation(t *testing.T) {
	var runs atomic.Int32
	worker := NewBaseWorker("test-worker", 20*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	worker.Start(ctx)

	countAfterStop := runs.Load()
	assert.Greater(t, countAfterStop, int32(0))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterStop, runs.Load(), "no work after the context is cancelled")
}

func TestBaseWorker_StopIsIdempotent(t *testing.T) {
	runs := make(chan struct{}, 1)
	worker := NewBaseWorker("test-worker", 20*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		select {
		case runs <- struct{}{}:
		default:
		}
		return nil
	})

	go worker.Start(context.Background())
	<-runs

	worker.Stop()
	assert.NotPanics(t, func() {
		worker.Stop()
		worker.Stop()
	})
}

func TestBaseWorker_StopBeforeStart(t *testing.T) {
	worker := NewBaseWorker("idle", time.Second, nil, func(ctx context.Context) error { return nil })
	assert.NotPanics(t, worker.Stop)
}

func TestBaseWorker_StopWaitsForRunToFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool

	worker := NewBaseWorker("test-worker", 20*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	go worker.Start(context.Background())
	<-started

	begin := time.Now()
	worker.Stop()

	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
	assert.True(t, finished.Load(), "run should have finished before Stop returned")
}
