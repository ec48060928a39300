package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/messaging"
)

// Interceptor processes events before they reach the final handler
type Interceptor interface {
	// Intercept handles event, usually by calling next
	Intercept(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler) {
	i.fn(ctx, event, done, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain returns a handler that runs interceptors in order before handler
func Chain(handler messaging.Handler, interceptors ...Interceptor) messaging.Handler {
	// Build the chain in reverse order
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope) {
			interceptor.Intercept(ctx, event, done, env, next)
		})
	}
	return handler
}

// LoggingInterceptor logs each event and the outcome its handler reported
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler) {
	start := time.Now()

	i.logger.Debug("processing event",
		"eventId", event.ID(),
		"eventName", event.Name(),
		"attempt", env.Attempt,
	)

	next.Handle(ctx, event, func(err error) {
		duration := time.Since(start)
		if err != nil {
			i.logger.Error("event processing failed",
				"eventId", event.ID(),
				"eventName", event.Name(),
				"attempt", env.Attempt,
				"duration", duration,
				"error", err,
			)
		} else {
			i.logger.Info("event processed",
				"eventId", event.ID(),
				"eventName", event.Name(),
				"duration", duration,
			)
		}
		done(err)
	}, env)
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// Validator checks an event before it is handled
type Validator func(ctx context.Context, event *contracts.IntegrationEvent) error

// ValidationInterceptor fails events the validator rejects. The failure goes
// through done, so the event is retried and finally rejected like any other
// handler error.
type ValidationInterceptor struct {
	validate Validator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validate Validator) *ValidationInterceptor {
	return &ValidationInterceptor{validate: validate}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler) {
	if err := i.validate(ctx, event); err != nil {
		done(fmt.Errorf("event validation failed: %w", err))
		return
	}
	next.Handle(ctx, event, done, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
