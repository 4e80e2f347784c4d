package storage

import (
	"context"
	"errors"
	"time"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxErrorMessageLength bounds stored error messages and failure reasons.
const MaxErrorMessageLength = 2000

var (
	ErrEventAlreadyExists = errors.New("event already exists")
	ErrRecordNotFound     = errors.New("record not found")
	ErrInvalidTransition  = errors.New("invalid outbox status transition")
)

// ProcessingLog records which (handler, idempotency key) pairs already succeeded.
type ProcessingLog interface {
	IsProcessed(ctx context.Context, handlerName, idempotencyKey string) (bool, error)
	MarkProcessed(ctx context.Context, record ProcessingLogRecord) error
}

// Store определяет интерфейс для всех операций с базой данных.
// Methods run inside the transaction carried by ctx, if any.
type Store interface {
	ProcessingLog

	// WithinTx runs fn in a transaction, joining the one already in ctx.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// InsertOutbox returns the new row id.
	InsertOutbox(ctx context.Context, record *OutboxRecord) (int64, error)
	// GetOutboxRecord locks the row for update where the dialect supports it.
	GetOutboxRecord(ctx context.Context, id int64) (*OutboxRecord, error)
	// FetchPending returns due pending rows ordered by id.
	FetchPending(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	// FetchStuck returns processing rows claimed before threshold.
	FetchStuck(ctx context.Context, threshold time.Time, limit int) ([]OutboxRecord, error)
	// MarkProcessing claims a pending row. It reports whether this caller won the claim.
	MarkProcessing(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id int64, now time.Time) error
	UpdateForRetry(ctx context.Context, id int64, errorMessage string, nextAttemptAt time.Time) error
	DeleteOutbox(ctx context.Context, id int64) error

	// InsertDeadLetter ignores a second insert for the same original id.
	InsertDeadLetter(ctx context.Context, record DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	DeleteDeadLetter(ctx context.Context, id int64) error

	InsertHistory(ctx context.Context, record HistoryRecord) error

	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)
	DeleteDeadLetters(ctx context.Context, before time.Time) (int64, error)
	DeleteProcessingLog(ctx context.Context, before time.Time) (int64, error)
	DeleteHistory(ctx context.Context, before time.Time) (int64, error)

	// EnsureTables создает необходимые таблицы, если они не существуют.
	EnsureTables(ctx context.Context) error
}

type OutboxRecord struct {
	ID            int64
	EventID       string
	EventName     string
	EventData     []byte
	Metadata      []byte
	Status        string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextAttemptAt *time.Time
	ErrorMessage  string
}

type DeadLetterRecord struct {
	ID            int64
	OriginalID    int64
	EventID       string
	EventName     string
	EventData     []byte
	Metadata      []byte
	RetryCount    int
	MaxRetries    int
	FailureReason string
	CreatedAt     time.Time
	FailedAt      time.Time
}

type ProcessingLogRecord struct {
	HandlerName    string
	IdempotencyKey string
	EventID        string
	ProcessedAt    time.Time
}

type HistoryRecord struct {
	EventID       string
	EventName     string
	SourceModule  string
	CorrelationID string
	EventData     []byte
	Metadata      []byte
	CreatedAt     time.Time
}

// Truncate cuts s to at most MaxErrorMessageLength bytes.
func Truncate(s string) string {
	if len(s) <= MaxErrorMessageLength {
		return s
	}
	return s[:MaxErrorMessageLength]
}
