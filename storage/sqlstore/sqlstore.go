package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus/storage"
)

const (
	tableOutbox        = "eventbus_outbox"
	tableDeadLetters   = "eventbus_dead_letters"
	tableProcessingLog = "eventbus_processing_log"
	tableHistory       = "eventbus_history"
)

const (
	outboxColumns = "id, event_id, event_name, event_data, metadata, status, retry_count, max_retries, " +
		"created_at, processed_at, next_attempt_at, error_message"

	deadLetterColumns = "id, original_id, event_id, event_name, event_data, metadata, retry_count, max_retries, " +
		"failure_reason, created_at, failed_at"
)

// SQL queries
const (
	insertOutboxQuery = `
		INSERT INTO %s (event_id, event_name, event_data, metadata, status, retry_count, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	getOutboxQuery = `SELECT %s FROM %s WHERE id = ?`

	fetchPendingQuery = `
		SELECT %s
		FROM %s
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?`

	fetchStuckQuery = `
		SELECT %s
		FROM %s
		WHERE status = ? AND processed_at < ?
		ORDER BY id
		LIMIT ?`

	markProcessingQuery = `UPDATE %s SET status = ?, processed_at = ? WHERE id = ? AND status = ?`

	markCompletedQuery = `UPDATE %s SET status = ?, processed_at = ?, error_message = NULL WHERE id = ? AND status = ?`

	updateForRetryQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1, processed_at = NULL, next_attempt_at = ?, error_message = ?
		WHERE id = ? AND status <> ?`

	deleteByIDQuery = `DELETE FROM %s WHERE id = ?`

	deadLetterInsertColumns = "original_id, event_id, event_name, event_data, metadata, retry_count, max_retries, " +
		"failure_reason, created_at, failed_at"

	getDeadLetterQuery = `SELECT %s FROM %s WHERE id = ?`

	listDeadLettersQuery = `SELECT %s FROM %s ORDER BY id DESC LIMIT ?`

	isProcessedQuery = `SELECT 1 FROM %s WHERE handler_name = ? AND idempotency_key = ?`

	processingLogInsertColumns = "handler_name, idempotency_key, event_id, processed_at"

	insertHistoryQuery = `
		INSERT INTO %s (event_id, event_name, source_module, correlation_id, event_data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	deleteCompletedQuery     = `DELETE FROM %s WHERE status = ? AND processed_at < ?`
	deleteDeadLettersQuery   = `DELETE FROM %s WHERE failed_at < ?`
	deleteProcessingLogQuery = `DELETE FROM %s WHERE processed_at < ?`
	deleteHistoryQuery       = `DELETE FROM %s WHERE created_at < ?`
)

type Option func(*SQLStore)

func WithDialect(d Dialect) Option {
	return func(s *SQLStore) {
		s.dialect = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLStore) {
		s.logger = logger
	}
}

// SQLStore implements storage.Store on database/sql.
// Every method joins the transaction started by WithinTx, if ctx carries one.
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	logger    *zap.Logger
	trManager *manager.Manager
	getter    *trmsql.CtxGetter
}

// NewSQLStore defaults to the MySQL dialect.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:        db,
		dialect:   MySQL,
		logger:    zap.NewNop(),
		trManager: manager.Must(trmsql.NewDefaultFactory(db)),
		getter:    trmsql.DefaultCtxGetter,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// WithinTx runs fn inside a transaction. Nested calls join the outer one.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.trManager.Do(ctx, fn)
}

func (s *SQLStore) conn(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *SQLStore) query(format string, args ...any) string {
	return s.dialect.rebind(fmt.Sprintf(format, args...))
}

func (s *SQLStore) InsertOutbox(ctx context.Context, record *storage.OutboxRecord) (int64, error) {
	status := record.Status
	if status == "" {
		status = storage.StatusPending
	}
	args := []any{
		record.EventID,
		record.EventName,
		string(record.EventData),
		string(record.Metadata),
		status,
		record.RetryCount,
		record.MaxRetries,
		record.CreatedAt.UTC(),
	}

	var id int64
	if s.dialect.returningID {
		q := s.query(insertOutboxQuery+" RETURNING id", tableOutbox)
		if err := s.conn(ctx).QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
			return 0, convertInsertError(err)
		}
	} else {
		res, err := s.conn(ctx).ExecContext(ctx, s.query(insertOutboxQuery, tableOutbox), args...)
		if err != nil {
			return 0, convertInsertError(err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("failed to read outbox id: %w", err)
		}
	}

	record.ID = id
	record.Status = status
	return id, nil
}

func (s *SQLStore) GetOutboxRecord(ctx context.Context, id int64) (*storage.OutboxRecord, error) {
	q := s.query(getOutboxQuery, outboxColumns, tableOutbox) + s.dialect.forUpdate
	rec, err := scanOutbox(s.conn(ctx).QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox record %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) FetchPending(ctx context.Context, now time.Time, limit int) ([]storage.OutboxRecord, error) {
	q := s.query(fetchPendingQuery, outboxColumns, tableOutbox)
	rows, err := s.conn(ctx).QueryContext(ctx, q, storage.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

func (s *SQLStore) FetchStuck(ctx context.Context, threshold time.Time, limit int) ([]storage.OutboxRecord, error) {
	q := s.query(fetchStuckQuery, outboxColumns, tableOutbox)
	rows, err := s.conn(ctx).QueryContext(ctx, q, storage.StatusProcessing, threshold.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

// MarkProcessing is a single conditional update, so concurrent workers cannot both win.
func (s *SQLStore) MarkProcessing(ctx context.Context, id int64, now time.Time) (bool, error) {
	q := s.query(markProcessingQuery, tableOutbox)
	res, err := s.conn(ctx).ExecContext(ctx, q, storage.StatusProcessing, now.UTC(), id, storage.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox record %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	q := s.query(markCompletedQuery, tableOutbox)
	res, err := s.conn(ctx).ExecContext(ctx, q, storage.StatusCompleted, now.UTC(), id, storage.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete outbox record %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox record %d is not processing: %w", id, storage.ErrInvalidTransition)
	}
	return nil
}

func (s *SQLStore) UpdateForRetry(ctx context.Context, id int64, errorMessage string, nextAttemptAt time.Time) error {
	q := s.query(updateForRetryQuery, tableOutbox)
	res, err := s.conn(ctx).ExecContext(ctx, q,
		storage.StatusPending,
		nextAttemptAt.UTC(),
		storage.Truncate(errorMessage),
		id,
		storage.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox record %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) DeleteOutbox(ctx context.Context, id int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(deleteByIDQuery, tableOutbox), id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox record %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) InsertDeadLetter(ctx context.Context, record storage.DeadLetterRecord) error {
	q := s.dialect.rebind(s.dialect.insertIgnore(tableDeadLetters, deadLetterInsertColumns, 10))
	_, err := s.conn(ctx).ExecContext(ctx, q,
		record.OriginalID,
		record.EventID,
		record.EventName,
		string(record.EventData),
		string(record.Metadata),
		record.RetryCount,
		record.MaxRetries,
		storage.Truncate(record.FailureReason),
		record.CreatedAt.UTC(),
		record.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into dead-letter table: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDeadLetter(ctx context.Context, id int64) (*storage.DeadLetterRecord, error) {
	q := s.query(getDeadLetterQuery, deadLetterColumns, tableDeadLetters)
	rec, err := scanDeadLetter(s.conn(ctx).QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetterRecord, error) {
	q := s.query(listDeadLettersQuery, deadLetterColumns, tableDeadLetters)
	rows, err := s.conn(ctx).QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var records []storage.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading dead letter rows: %w", err)
	}
	return records, nil
}

func (s *SQLStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(deleteByIDQuery, tableDeadLetters), id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	return nil
}

func (s *SQLStore) IsProcessed(ctx context.Context, handlerName, idempotencyKey string) (bool, error) {
	var one int
	q := s.query(isProcessedQuery, tableProcessingLog)
	err := s.conn(ctx).QueryRowContext(ctx, q, handlerName, idempotencyKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processing log: %w", err)
	}
	return true, nil
}

func (s *SQLStore) MarkProcessed(ctx context.Context, record storage.ProcessingLogRecord) error {
	q := s.dialect.rebind(s.dialect.insertIgnore(tableProcessingLog, processingLogInsertColumns, 4))
	_, err := s.conn(ctx).ExecContext(ctx, q,
		record.HandlerName,
		record.IdempotencyKey,
		record.EventID,
		record.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write processing log: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertHistory(ctx context.Context, record storage.HistoryRecord) error {
	_, err := s.conn(ctx).ExecContext(ctx, s.query(insertHistoryQuery, tableHistory),
		record.EventID,
		record.EventName,
		record.SourceModule,
		record.CorrelationID,
		string(record.EventData),
		string(record.Metadata),
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write event history: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteCompleted(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteOlder(ctx, s.query(deleteCompletedQuery, tableOutbox), storage.StatusCompleted, before.UTC())
}

func (s *SQLStore) DeleteDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteOlder(ctx, s.query(deleteDeadLettersQuery, tableDeadLetters), before.UTC())
}

func (s *SQLStore) DeleteProcessingLog(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteOlder(ctx, s.query(deleteProcessingLogQuery, tableProcessingLog), before.UTC())
}

func (s *SQLStore) DeleteHistory(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteOlder(ctx, s.query(deleteHistoryQuery, tableHistory), before.UTC())
}

func (s *SQLStore) deleteOlder(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EnsureTables создает таблицы, если они не существуют.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	s.logger.Debug("Event bus tables ensured", zap.String("dialect", s.dialect.name))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row rowScanner) (*storage.OutboxRecord, error) {
	var (
		rec          storage.OutboxRecord
		processedAt  sql.NullTime
		nextAttempt  sql.NullTime
		errorMessage sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.EventName,
		&rec.EventData,
		&rec.Metadata,
		&rec.Status,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.CreatedAt,
		&processedAt,
		&nextAttempt,
		&errorMessage,
	); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		rec.NextAttemptAt = &t
	}
	rec.ErrorMessage = errorMessage.String
	return &rec, nil
}

func scanOutboxRows(rows *sql.Rows) ([]storage.OutboxRecord, error) {
	var records []storage.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return records, nil
}

func scanDeadLetter(row rowScanner) (*storage.DeadLetterRecord, error) {
	var (
		rec    storage.DeadLetterRecord
		reason sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OriginalID,
		&rec.EventID,
		&rec.EventName,
		&rec.EventData,
		&rec.Metadata,
		&rec.RetryCount,
		&rec.MaxRetries,
		&reason,
		&rec.CreatedAt,
		&rec.FailedAt,
	); err != nil {
		return nil, err
	}
	rec.FailureReason = reason.String
	return &rec, nil
}

// convertInsertError converts specific database driver errors to storage errors.
func convertInsertError(err error) error {
	if isDuplicate(err) {
		return storage.ErrEventAlreadyExists
	}
	return fmt.Errorf("failed to save outbox event: %w", err)
}
