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

	"github.com/overtonx/eventbus/storage"
)

func sampleDeadLetter() *storage.DeadLetterRecord {
	return &storage.DeadLetterRecord{
		ID:            7,
		OriginalID:    3,
		EventID:       "evt-3",
		EventName:     "notes:note.added",
		EventData:     []byte(`{"noteId":"N-1"}`),
		Metadata:      []byte(`{"eventId":"evt-3","eventName":"notes:note.added"}`),
		RetryCount:    3,
		MaxRetries:    3,
		FailureReason: "smtp unavailable",
		CreatedAt:     time.Now().Add(-time.Hour),
		FailedAt:      time.Now(),
	}
}

func TestDeadLetterService_List(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, zap.NewNop(), nil)

	records := []storage.DeadLetterRecord{*sampleDeadLetter()}
	mockStore.On("ListDeadLetters", mock.Anything, defaultDeadLetterListLimit).Return(records, nil).Once()

	got, err := service.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, records, got)
	mockStore.AssertExpectations(t)
}

func TestDeadLetterService_List_StoreFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, nil, nil)

	mockStore.On("ListDeadLetters", mock.Anything, 10).Return(nil, errors.New("db is down")).Once()

	_, err := service.List(context.Background(), 10)
	assert.EqualError(t, err, "failed to list dead letters: db is down")
}

func TestDeadLetterService_Requeue(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, zap.NewNop(), nil)
	dl := sampleDeadLetter()

	mockStore.On("GetDeadLetter", mock.Anything, int64(7)).Return(dl, nil).Once()
	mockStore.On("InsertOutbox", mock.Anything, mock.MatchedBy(func(r *storage.OutboxRecord) bool {
		return r.EventID == dl.EventID &&
			r.EventName == dl.EventName &&
			string(r.EventData) == string(dl.EventData) &&
			r.Status == storage.StatusPending &&
			r.RetryCount == 0 &&
			r.MaxRetries == dl.MaxRetries
	})).Return(int64(11), nil).Once()
	mockStore.On("DeleteDeadLetter", mock.Anything, int64(7)).Return(nil).Once()

	id, err := service.Requeue(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	mockStore.AssertExpectations(t)
}

func TestDeadLetterService_Requeue_NotFound(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, zap.NewNop(), nil)

	mockStore.On("GetDeadLetter", mock.Anything, int64(99)).Return(nil, storage.ErrRecordNotFound).Once()

	_, err := service.Requeue(context.Background(), 99)
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	mockStore.AssertNotCalled(t, "InsertOutbox", mock.Anything, mock.Anything)
}

func TestDeadLetterService_Requeue_InsertFails(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, zap.NewNop(), nil)

	mockStore.On("GetDeadLetter", mock.Anything, int64(7)).Return(sampleDeadLetter(), nil).Once()
	mockStore.On("InsertOutbox", mock.Anything, mock.Anything).Return(int64(0), storage.ErrEventAlreadyExists).Once()

	_, err := service.Requeue(context.Background(), 7)
	assert.ErrorIs(t, err, storage.ErrEventAlreadyExists)
	mockStore.AssertNotCalled(t, "DeleteDeadLetter", mock.Anything, mock.Anything)
}

func TestDeadLetterService_GetAndDiscard(t *testing.T) {
	mockStore := new(storage.MockStore)
	service := NewDeadLetterService(mockStore, zap.NewNop(), nil)

	mockStore.On("GetDeadLetter", mock.Anything, int64(5)).Return(nil, storage.ErrRecordNotFound).Once()
	mockStore.On("DeleteDeadLetter", mock.Anything, int64(7)).Return(nil).Once()

	_, err := service.Get(context.Background(), 5)
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	assert.NoError(t, service.Discard(context.Background(), 7))
	mockStore.AssertExpectations(t)
}
