package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type queryResult struct {
	value any
	err   error
}

// pendingQueries parks one result channel per correlation id.
// Whoever removes the entry first owns the outcome.
type pendingQueries struct {
	mu      sync.Mutex
	waiting map[string]chan queryResult
}

func newPendingQueries() *pendingQueries {
	return &pendingQueries{waiting: make(map[string]chan queryResult)}
}

func (q *pendingQueries) park(correlationID string) chan queryResult {
	ch := make(chan queryResult, 1)
	q.mu.Lock()
	q.waiting[correlationID] = ch
	q.mu.Unlock()
	return ch
}

func (q *pendingQueries) settle(correlationID string, res queryResult) bool {
	q.mu.Lock()
	ch, ok := q.waiting[correlationID]
	if ok {
		delete(q.waiting, correlationID)
	}
	q.mu.Unlock()

	if ok {
		ch <- res
	}
	return ok
}

func (q *pendingQueries) drop(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.waiting[correlationID]
	delete(q.waiting, correlationID)
	return ok
}

func (q *pendingQueries) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Query emits eventName and waits for a handler to call Respond with the event's correlation id.
// The event bypasses the outbox and is always dispatched immediately.
func (b *Bus) Query(ctx context.Context, eventName string, data any, sourceModule string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.cfg.Get().QueryTimeout
	}

	correlationID := uuid.NewString()
	result := b.queries.park(correlationID)

	_, err := b.emit(ctx, eventName, data, sourceModule, emitSettings{
		correlationID: correlationID,
		bypassOutbox:  true,
		forceDispatch: true,
	})
	if err != nil {
		b.queries.drop(correlationID)
		return nil, err
	}

	timer := b.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.value, res.err
	case <-timer.Chan():
		if b.queries.drop(correlationID) {
			b.metrics.IncrementCounter("eventbus.query.timeouts", map[string]string{"event_name": eventName})
			return nil, &QueryTimeoutError{EventName: eventName, CorrelationID: correlationID, Timeout: timeout}
		}
		// Respond won the race.
		res := <-result
		return res.value, res.err
	case <-ctx.Done():
		if b.queries.drop(correlationID) {
			return nil, ctx.Err()
		}
		res := <-result
		return res.value, res.err
	}
}

// Respond completes the query waiting on correlationID.
// An error response becomes the query's error. It reports whether a query was waiting.
func (b *Bus) Respond(correlationID string, response any) bool {
	res := queryResult{value: response}
	if err, ok := response.(error); ok {
		res = queryResult{err: err}
	}
	if !b.queries.settle(correlationID, res) {
		b.logger.Warn("No pending query for response", zap.String("correlation_id", correlationID))
		return false
	}
	return true
}
