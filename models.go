package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is stamped on every event envelope.
const SchemaVersion = "1.0"

// EventMetadata is the envelope carried alongside every event payload.
type EventMetadata struct {
	EventID       string            `json:"eventId"`
	EventName     string            `json:"eventName"`
	Timestamp     time.Time         `json:"timestamp"`
	SourceModule  string            `json:"sourceModule"`
	CorrelationID string            `json:"correlationId"`
	Version       string            `json:"version"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Event is what handlers receive.
// Data holds the producer's value when the event is dispatched in-process and
// a json.RawMessage when it is replayed from the outbox. Use DecodeData to read
// it the same way in both cases.
type Event struct {
	Metadata EventMetadata `json:"metadata"`
	Data     any           `json:"data"`
}

// HandlerFunc handles one event. A non-nil error marks the handler as failed.
type HandlerFunc func(ctx context.Context, evt *Event) error

// RetryPolicy describes how failed deliveries are rescheduled.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Exponential bool
	Jitter      bool
}

// HandlerOptions configures a single registration.
type HandlerOptions struct {
	// Module owning the handler. Required.
	Module string
	// HandlerID is derived from the handler's function name when empty.
	HandlerID string
	// IdempotencyKey enables deduplication through the processing log.
	// An empty key disables deduplication for that event.
	IdempotencyKey func(evt *Event) string
	RetryPolicy    *RetryPolicy
	// Timeout overrides the configured default handler timeout.
	Timeout time.Duration
	// Sequential forces all handlers of the event name to run in registration order.
	Sequential bool
	Schema     Schema
}

// Registration is a handler bound to an event name.
type Registration struct {
	EventName string
	ID        string
	Handler   HandlerFunc
	Options   HandlerOptions
}

// Key identifies the handler across the processing log and circuit breakers.
func (r *Registration) Key() string {
	return r.Options.Module + "-" + r.ID
}

// DecodeData converts the event payload into T.
// It accepts the producer's original value as well as raw JSON.
func DecodeData[T any](evt *Event) (T, error) {
	var out T
	if evt == nil {
		return out, fmt.Errorf("failed to decode event data: nil event")
	}

	switch v := evt.Data.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, fmt.Errorf("failed to decode event data: nil pointer")
	}

	raw, err := encodePayload(evt.Data)
	if err != nil {
		return out, fmt.Errorf("failed to decode event data: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode event data: %w", err)
	}
	return out, nil
}

// encodePayload renders the payload as JSON. Raw JSON is passed through untouched.
func encodePayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("null"), nil
		}
		return v, nil
	case []byte:
		if json.Valid(v) {
			return v, nil
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
