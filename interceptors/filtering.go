package interceptors

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/messaging"
	jsoniter "github.com/json-iterator/go"
)

// EventFilter returns true if the event should be processed
type EventFilter func(ctx context.Context, event *contracts.IntegrationEvent, env contracts.Envelope) bool

// FilteringInterceptor acknowledges events the filter rejects without calling
// the handler
type FilteringInterceptor struct {
	filter EventFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor. logger may be nil
// to skip silently.
func NewFilteringInterceptor(filter EventFilter, logger *slog.Logger) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, event *contracts.IntegrationEvent, done messaging.DoneFunc, env contracts.Envelope, next messaging.Handler) {
	if !i.filter(ctx, event, env) {
		if i.logger != nil {
			i.logger.Debug("event filtered", "eventId", event.ID(), "eventName", event.Name())
		}
		done(nil)
		return
	}
	next.Handle(ctx, event, done, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// All combines filters with AND logic
func All(filters ...EventFilter) EventFilter {
	return func(ctx context.Context, event *contracts.IntegrationEvent, env contracts.Envelope) bool {
		for _, f := range filters {
			if !f(ctx, event, env) {
				return false
			}
		}
		return true
	}
}

// Any combines filters with OR logic
func Any(filters ...EventFilter) EventFilter {
	return func(ctx context.Context, event *contracts.IntegrationEvent, env contracts.Envelope) bool {
		for _, f := range filters {
			if f(ctx, event, env) {
				return true
			}
		}
		return false
	}
}

// Not inverts filter
func Not(filter EventFilter) EventFilter {
	return func(ctx context.Context, event *contracts.IntegrationEvent, env contracts.Envelope) bool {
		return !filter(ctx, event, env)
	}
}

// DataHasField passes events whose data is a JSON object containing field
func DataHasField(field string) EventFilter {
	return func(_ context.Context, event *contracts.IntegrationEvent, _ contracts.Envelope) bool {
		return jsoniter.Get(event.Data(), field).LastError() == nil
	}
}

// HeaderEquals passes deliveries whose header key holds value. Integers match
// across widths, since AMQP decodes them as int32 or int64.
func HeaderEquals(key string, value interface{}) EventFilter {
	return func(_ context.Context, _ *contracts.IntegrationEvent, env contracts.Envelope) bool {
		v, ok := env.Header(key)
		if !ok {
			return false
		}
		if a, ok := toInt64(v); ok {
			b, ok := toInt64(value)
			return ok && a == b
		}
		return reflect.DeepEqual(v, value)
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
