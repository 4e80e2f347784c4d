package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

func TestStuckEventService_RequeuesAndDeadLetters(t *testing.T) {
	mockStore := new(storage.MockStore)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	outbox := NewOutbox(mockStore, WithOutboxClock(clock), WithOutboxBackoff(FixedBackoff(time.Minute)))
	service := NewStuckEventService(outbox, zap.NewNop(), nil, 10*time.Minute, 20)

	fresh := storage.OutboxRecord{ID: 1, EventID: "evt-1", Status: storage.StatusProcessing, RetryCount: 0, MaxRetries: 3}
	spent := storage.OutboxRecord{ID: 2, EventID: "evt-2", Status: storage.StatusProcessing, RetryCount: 3, MaxRetries: 3}

	mockStore.On("FetchStuck", mock.Anything, clock.Now().Add(-10*time.Minute), 20).
		Return([]storage.OutboxRecord{fresh, spent}, nil).Once()

	mockStore.On("GetOutboxRecord", mock.Anything, int64(1)).Return(&fresh, nil).Once()
	mockStore.On("UpdateForRetry", mock.Anything, int64(1), stuckRecoveryReason, clock.Now().Add(time.Minute)).Return(nil).Once()

	mockStore.On("GetOutboxRecord", mock.Anything, int64(2)).Return(&spent, nil).Once()
	mockStore.On("InsertDeadLetter", mock.Anything, mock.MatchedBy(func(dl storage.DeadLetterRecord) bool {
		return dl.OriginalID == 2 && dl.FailureReason == stuckRecoveryReason
	})).Return(nil).Once()
	mockStore.On("DeleteOutbox", mock.Anything, int64(2)).Return(nil).Once()

	require.NoError(t, service.RecoverStuckEvents(context.Background()))
	mockStore.AssertExpectations(t)
}

func TestStuckEventService_NoStuckEvents(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewStuckEventService(NewOutbox(mockStore), nil, nil, 0, 0)

	mockStore.On("FetchStuck", mock.Anything, mock.Anything, defaultBatchSize).Return(nil, nil).Once()

	require.NoError(t, service.RecoverStuckEvents(context.Background()))
	mockStore.AssertNotCalled(t, "GetOutboxRecord", mock.Anything, mock.Anything)
}

func TestStuckEventService_FetchFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewStuckEventService(NewOutbox(mockStore), zap.NewNop(), nil, time.Minute, 5)

	mockStore.On("FetchStuck", mock.Anything, mock.Anything, 5).Return(nil, errors.New("db is down")).Once()

	err := service.RecoverStuckEvents(context.Background())
	assert.EqualError(t, err, "failed to fetch stuck events: db is down")
}

func TestStuckEventService_ContinuesAfterRecordFailure(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewStuckEventService(NewOutbox(mockStore), zap.NewNop(), nil, time.Minute, 5)

	second := storage.OutboxRecord{ID: 2, Status: storage.StatusProcessing, MaxRetries: 3}
	mockStore.On("FetchStuck", mock.Anything, mock.Anything, 5).
		Return([]storage.OutboxRecord{{ID: 1}, second}, nil).Once()
	mockStore.On("GetOutboxRecord", mock.Anything, int64(1)).Return(nil, storage.ErrRecordNotFound).Once()
	mockStore.On("GetOutboxRecord", mock.Anything, int64(2)).Return(&second, nil).Once()
	mockStore.On("UpdateForRetry", mock.Anything, int64(2), stuckRecoveryReason, mock.Anything).Return(nil).Once()

	require.NoError(t, service.RecoverStuckEvents(context.Background()))
	mockStore.AssertExpectations(t)
}
