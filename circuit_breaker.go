package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerSettings are read on every call so config changes apply immediately.
type BreakerSettings struct {
	FailureThreshold int
	// Window restarts the failure count when the previous failure is older than it.
	Window          time.Duration
	RecoveryTimeout time.Duration
}

type BreakerSnapshot struct {
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool
}

// CircuitBreakers keeps one breaker per handler key.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	settings      func() BreakerSettings
	clock         clockwork.Clock
	onStateChange func(key string, from, to BreakerState)
}

type BreakerOption func(*CircuitBreakers)

func WithBreakerClock(clock clockwork.Clock) BreakerOption {
	return func(c *CircuitBreakers) {
		c.clock = clock
	}
}

// WithStateChangeHook is called with the breaker lock held; it must not call back into the breakers.
func WithStateChangeHook(fn func(key string, from, to BreakerState)) BreakerOption {
	return func(c *CircuitBreakers) {
		c.onStateChange = fn
	}
}

func NewCircuitBreakers(settings func() BreakerSettings, opts ...BreakerOption) *CircuitBreakers {
	c := &CircuitBreakers{
		breakers: make(map[string]*breaker),
		settings: settings,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.settings == nil {
		c.settings = func() BreakerSettings {
			return BreakerSettings{FailureThreshold: 5, Window: time.Minute, RecoveryTimeout: 30 * time.Second}
		}
	}
	return c
}

// Execute runs fn unless the breaker for key is open.
// A panic in fn is returned as a *PanicError and counted as a failure.
func (c *CircuitBreakers) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	b := c.get(key)
	settings := c.settings()

	b.mu.Lock()
	trial := false
	switch b.state {
	case StateOpen:
		if c.clock.Now().Before(b.nextAttempt) {
			next := b.nextAttempt
			b.mu.Unlock()
			return &CircuitOpenError{Key: key, NextAttemptTime: next}
		}
		c.transition(key, b, StateHalfOpen)
		b.trialInFlight = true
		trial = true
	case StateHalfOpen:
		if b.trialInFlight {
			next := b.nextAttempt
			b.mu.Unlock()
			return &CircuitOpenError{Key: key, NextAttemptTime: next}
		}
		b.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()

	// A panicking call still counts as a failure and releases the trial slot.
	err := callSafely(ctx, fn)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := c.clock.Now()
	if trial {
		b.trialInFlight = false
	}

	if err == nil {
		// A call admitted before the breaker opened must not clear the count of an open breaker.
		if trial || b.state == StateClosed {
			b.failures = 0
		}
		if trial {
			c.transition(key, b, StateClosed)
		}
		return nil
	}

	if settings.Window > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > settings.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if trial || (b.state == StateClosed && b.failures >= settings.FailureThreshold) {
		b.nextAttempt = now.Add(settings.RecoveryTimeout)
		c.transition(key, b, StateOpen)
	}
	return err
}

// Snapshot reports the breaker state for key.
func (c *CircuitBreakers) Snapshot(key string) (BreakerSnapshot, bool) {
	c.mu.Lock()
	b, ok := c.breakers[key]
	c.mu.Unlock()
	if !ok {
		return BreakerSnapshot{State: StateClosed}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:           b.state,
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}, true
}

// Snapshots reports every known breaker.
func (c *CircuitBreakers) Snapshots() map[string]BreakerSnapshot {
	c.mu.Lock()
	keys := make([]string, 0, len(c.breakers))
	for key := range c.breakers {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(keys))
	for _, key := range keys {
		out[key], _ = c.Snapshot(key)
	}
	return out
}

// Reset forgets every breaker.
func (c *CircuitBreakers) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers = make(map[string]*breaker)
}

func (c *CircuitBreakers) get(key string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		c.breakers[key] = b
	}
	return b
}

func (c *CircuitBreakers) transition(key string, b *breaker, to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if c.onStateChange != nil {
		c.onStateChange(key, from, to)
	}
}

// CircuitBreakerMiddleware guards each handler with its own breaker.
func CircuitBreakerMiddleware(breakers *CircuitBreakers) Middleware {
	return func(ctx context.Context, evt *Event, reg *Registration, next Next) error {
		if breakers == nil {
			return next(ctx)
		}
		return breakers.Execute(ctx, reg.Key(), func(ctx context.Context) error {
			return next(ctx)
		})
	}
}
