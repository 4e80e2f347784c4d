package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandlerResult is the outcome of one handler invocation.
type HandlerResult struct {
	Registration *Registration
	Err          error
	Duration     time.Duration
}

// Registry maps event names to handlers and runs them through the middleware pipeline.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Registration

	pipeline      Middleware
	logger        *zap.Logger
	maxConcurrent int
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPipeline sets the middleware every handler invocation passes through.
func WithPipeline(pipeline Middleware) RegistryOption {
	return func(r *Registry) {
		r.pipeline = pipeline
	}
}

// WithMaxConcurrentHandlers caps how many handlers of one event run at once.
// Zero means no cap.
func WithMaxConcurrentHandlers(n int) RegistryOption {
	return func(r *Registry) {
		r.maxConcurrent = n
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string][]*Registration),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.pipeline == nil {
		r.pipeline = Compose()
	}
	return r
}

// Register binds handler to eventName and returns the handler id.
func (r *Registry) Register(eventName string, handler HandlerFunc, opts HandlerOptions) (string, error) {
	if strings.TrimSpace(eventName) == "" {
		return "", ErrInvalidEventName
	}
	if handler == nil {
		return "", ErrNilHandler
	}
	if strings.TrimSpace(opts.Module) == "" {
		return "", ErrMissingModule
	}

	id := opts.HandlerID
	if id == "" {
		id = handlerName(handler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[eventName] {
		if existing.ID == id {
			return "", fmt.Errorf("%w: %s for %s", ErrDuplicateHandler, id, eventName)
		}
	}

	opts.HandlerID = id
	r.handlers[eventName] = append(r.handlers[eventName], &Registration{
		EventName: eventName,
		ID:        id,
		Handler:   handler,
		Options:   opts,
	})

	r.logger.Debug("Handler registered",
		zap.String("event_name", eventName),
		zap.String("handler", id),
		zap.String("module", opts.Module),
	)
	return id, nil
}

// Unregister removes a handler. It reports whether anything was removed.
func (r *Registry) Unregister(eventName, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[eventName]
	for i, reg := range regs {
		if reg.ID != id {
			continue
		}
		next := make([]*Registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, eventName)
		} else {
			r.handlers[eventName] = next
		}
		return true
	}
	return false
}

// Handlers returns the registrations for eventName in registration order.
func (r *Registry) Handlers(eventName string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[eventName]
	out := make([]*Registration, len(regs))
	copy(out, regs)
	return out
}

// EventNames lists every event name with at least one handler.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs every handler of eventName and waits for all of them.
// A failing handler never stops its siblings.
func (r *Registry) Execute(ctx context.Context, eventName string, evt *Event) []HandlerResult {
	regs := r.Handlers(eventName)
	if len(regs) == 0 {
		return nil
	}

	results := make([]HandlerResult, len(regs))
	if isSequential(regs) {
		for i, reg := range regs {
			results[i] = r.invoke(ctx, reg, evt)
		}
		return results
	}

	var g errgroup.Group
	if r.maxConcurrent > 0 {
		g.SetLimit(r.maxConcurrent)
	}
	for i, reg := range regs {
		g.Go(func() error {
			results[i] = r.invoke(ctx, reg, evt)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteHandlers runs the handlers and combines their failures.
func (r *Registry) ExecuteHandlers(ctx context.Context, eventName string, evt *Event) error {
	var err error
	for _, res := range r.Execute(ctx, eventName, evt) {
		if res.Err != nil {
			err = multierr.Append(err, &HandlerError{Handler: res.Registration.Key(), Err: res.Err})
		}
	}
	return err
}

func (r *Registry) invoke(ctx context.Context, reg *Registration, evt *Event) HandlerResult {
	// Each handler gets its own envelope so validation can rewrite Data locally.
	local := *evt
	start := time.Now()

	err := r.pipeline(ctx, &local, reg, func(ctx context.Context) error {
		return reg.Handler(ctx, &local)
	})
	if errors.Is(err, ErrSkipped) {
		err = nil
	}

	return HandlerResult{Registration: reg, Err: err, Duration: time.Since(start)}
}

func isSequential(regs []*Registration) bool {
	for _, reg := range regs {
		if reg.Options.Sequential {
			return true
		}
	}
	return false
}

// handlerName derives an id from the function symbol, e.g. "leads.onLeadCreated".
func handlerName(handler HandlerFunc) string {
	fn := runtime.FuncForPC(reflect.ValueOf(handler).Pointer())
	if fn == nil {
		return "handler"
	}
	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
