package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
// WithinTx runs the callback directly.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *MockStore) IsProcessed(ctx context.Context, handlerName, idempotencyKey string) (bool, error) {
	args := m.Called(ctx, handlerName, idempotencyKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkProcessed(ctx context.Context, record ProcessingLogRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) InsertOutbox(ctx context.Context, record *OutboxRecord) (int64, error) {
	args := m.Called(ctx, record)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) GetOutboxRecord(ctx context.Context, id int64) (*OutboxRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*OutboxRecord)
	return rec, args.Error(1)
}

func (m *MockStore) FetchPending(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	args := m.Called(ctx, now, limit)
	recs, _ := args.Get(0).([]OutboxRecord)
	return recs, args.Error(1)
}

func (m *MockStore) FetchStuck(ctx context.Context, threshold time.Time, limit int) ([]OutboxRecord, error) {
	args := m.Called(ctx, threshold, limit)
	recs, _ := args.Get(0).([]OutboxRecord)
	return recs, args.Error(1)
}

func (m *MockStore) MarkProcessing(ctx context.Context, id int64, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	args := m.Called(ctx, id, now)
	return args.Error(0)
}

func (m *MockStore) UpdateForRetry(ctx context.Context, id int64, errorMessage string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, id, errorMessage, nextAttemptAt)
	return args.Error(0)
}

func (m *MockStore) DeleteOutbox(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) InsertDeadLetter(ctx context.Context, record DeadLetterRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetDeadLetter(ctx context.Context, id int64) (*DeadLetterRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*DeadLetterRecord)
	return rec, args.Error(1)
}

func (m *MockStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	args := m.Called(ctx, limit)
	recs, _ := args.Get(0).([]DeadLetterRecord)
	return recs, args.Error(1)
}

func (m *MockStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) InsertHistory(ctx context.Context, record HistoryRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteProcessingLog(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) DeleteHistory(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
