package eventbus

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEventName = errors.New("event name is required")
	ErrNilHandler       = errors.New("handler must not be nil")
	ErrMissingModule    = errors.New("handler module is required")
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrSkipped is returned by a middleware that short-circuits with success.
	// Callers of the pipeline never see it.
	ErrSkipped         = errors.New("handler skipped")
	ErrNextCalledTwice = errors.New("middleware called next more than once")
	ErrNextNotCalled   = errors.New("middleware returned without calling next")

	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrHandlerTimeout  = errors.New("handler timed out")
	ErrPayloadTooLarge = errors.New("event payload too large")
	ErrQueryTimeout    = errors.New("query timed out")
	ErrBusClosed       = errors.New("event bus is closed")
)

// ValidationError is returned when a payload does not match the handler's schema.
type ValidationError struct {
	EventName string
	Handler   string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for %s (handler %s): %v", e.EventName, e.Handler, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CircuitOpenError is returned while a handler's breaker rejects calls.
type CircuitOpenError struct {
	Key             string
	NextAttemptTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Key, e.NextAttemptTime.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// TimeoutError is returned when a handler does not finish within its timeout.
type TimeoutError struct {
	Handler string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler %s timed out after %s", e.Handler, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrHandlerTimeout }

// PayloadTooLargeError is returned by Emit before anything is written.
type PayloadTooLargeError struct {
	EventName string
	Size      int
	Limit     int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload for %s is %d bytes, limit is %d", e.EventName, e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool { return target == ErrPayloadTooLarge }

// QueryTimeoutError is returned when no response arrives in time.
type QueryTimeoutError struct {
	EventName     string
	CorrelationID string
	Timeout       time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s (correlation %s) timed out after %s", e.EventName, e.CorrelationID, e.Timeout)
}

func (e *QueryTimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// HandlerError ties a failure to the handler that produced it.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// AggregateError is returned by Process when every handler failed.
type AggregateError struct {
	EventName string
	EventID   string
	errs      []error
}

func (e *AggregateError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d handlers failed for %s: %s", len(e.errs), e.EventName, strings.Join(msgs, "; "))
}

// Errors returns the per-handler failures.
func (e *AggregateError) Errors() []error {
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

func (e *AggregateError) Unwrap() []error { return e.errs }
