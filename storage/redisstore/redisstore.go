package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/overtonx/eventbus/storage"
)

const (
	defaultPrefix = "eventbus:processed"
	defaultTTL    = 7 * 24 * time.Hour
)

type cmdable interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type Option func(*ProcessingLog)

func WithKeyPrefix(prefix string) Option {
	return func(p *ProcessingLog) {
		p.prefix = prefix
	}
}

// WithTTL bounds how long a processed key is remembered. Zero keeps keys forever.
func WithTTL(ttl time.Duration) Option {
	return func(p *ProcessingLog) {
		p.ttl = ttl
	}
}

// ProcessingLog keeps the idempotency log in Redis instead of the outbox database.
// Keys expire after the TTL, which replaces the SQL retention sweep.
type ProcessingLog struct {
	client cmdable
	prefix string
	ttl    time.Duration
}

func NewProcessingLog(client redis.UniversalClient, opts ...Option) *ProcessingLog {
	p := &ProcessingLog{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ storage.ProcessingLog = (*ProcessingLog)(nil)

type entry struct {
	EventID     string    `json:"eventId"`
	ProcessedAt time.Time `json:"processedAt"`
}

func (p *ProcessingLog) IsProcessed(ctx context.Context, handlerName, idempotencyKey string) (bool, error) {
	n, err := p.client.Exists(ctx, p.key(handlerName, idempotencyKey)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processing log: %w", err)
	}
	return n > 0, nil
}

func (p *ProcessingLog) MarkProcessed(ctx context.Context, record storage.ProcessingLogRecord) error {
	value, err := json.Marshal(entry{EventID: record.EventID, ProcessedAt: record.ProcessedAt.UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode processing log entry: %w", err)
	}
	if err := p.client.Set(ctx, p.key(record.HandlerName, record.IdempotencyKey), value, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write processing log: %w", err)
	}
	return nil
}

func (p *ProcessingLog) key(handlerName, idempotencyKey string) string {
	return p.prefix + ":" + handlerName + ":" + idempotencyKey
}
