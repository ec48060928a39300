package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/eventbus-go/contracts"
)

// ErrNoHandler is returned by Emit when no handler is registered for an event name
var ErrNoHandler = errors.New("messaging: no handler registered")

// DoneFunc settles the delivery an event arrived with. A nil error acknowledges
// it; anything else asks for a retry or a rejection. Only the first call counts.
type DoneFunc func(err error)

// Handler processes one event. It must call done exactly once, possibly from
// another goroutine.
type Handler interface {
	Handle(ctx context.Context, event *contracts.IntegrationEvent, done DoneFunc, env contracts.Envelope)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, event *contracts.IntegrationEvent, done DoneFunc, env contracts.Envelope)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, event *contracts.IntegrationEvent, done DoneFunc, env contracts.Envelope) {
	f(ctx, event, done, env)
}

// Sync adapts a handler that reports its outcome by return value
func Sync(fn func(ctx context.Context, event *contracts.IntegrationEvent) error) Handler {
	return HandlerFunc(func(ctx context.Context, event *contracts.IntegrationEvent, done DoneFunc, _ contracts.Envelope) {
		done(fn(ctx, event))
	})
}

// EventDispatcher routes events to the handler registered for their name
type EventDispatcher struct {
	handlers map[string]Handler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// DispatcherOption configures the EventDispatcher
type DispatcherOption func(*EventDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *EventDispatcher) {
		d.logger = logger
	}
}

// NewEventDispatcher creates a new event dispatcher
func NewEventDispatcher(options ...DispatcherOption) *EventDispatcher {
	d := &EventDispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register sets the handler of eventName, replacing any previous one
func (d *EventDispatcher) Register(eventName string, handler Handler) error {
	if eventName == "" {
		return contracts.ErrEventNameRequired
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	_, replaced := d.handlers[eventName]
	d.handlers[eventName] = handler
	d.mu.Unlock()

	d.logger.Debug("registered event handler", "eventName", eventName, "replaced", replaced)
	return nil
}

// Unregister removes the handler of eventName and reports whether one existed
func (d *EventDispatcher) Unregister(eventName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[eventName]; !exists {
		return false
	}
	delete(d.handlers, eventName)

	d.logger.Debug("unregistered event handler", "eventName", eventName)
	return true
}

// Handler returns the handler registered for eventName
func (d *EventDispatcher) Handler(eventName string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventName]
	return h, ok
}

// Emit invokes the handler of event.Name(). A panicking handler is reported
// through done as a handler failure.
func (d *EventDispatcher) Emit(ctx context.Context, event *contracts.IntegrationEvent, done DoneFunc, env contracts.Envelope) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	handler, ok := d.Handler(event.Name())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, event.Name())
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"eventName", event.Name(),
				"eventId", event.ID(),
				"panic", r,
			)
			done(fmt.Errorf("messaging: handler panic: %v", r))
		}
	}()

	handler.Handle(ctx, event, done, env)
	return nil
}
