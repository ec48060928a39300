package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDispatcher(t *testing.T) {
	ctx := context.Background()
	event := contracts.MustIntegrationEvent("order.created", map[string]int{"id": 1})

	t.Run("NewEventDispatcher applies options", func(t *testing.T) {
		logger := discardLogger()
		dispatcher := NewEventDispatcher(WithDispatcherLogger(logger))

		assert.Equal(t, logger, dispatcher.logger)
		assert.Empty(t, dispatcher.handlers)
	})

	t.Run("Emit invokes the registered handler", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))

		var got *contracts.IntegrationEvent
		var gotEnv contracts.Envelope
		require.NoError(t, dispatcher.Register("order.created", HandlerFunc(
			func(ctx context.Context, e *contracts.IntegrationEvent, done DoneFunc, env contracts.Envelope) {
				got, gotEnv = e, env
				done(nil)
			})))

		var settled []error
		err := dispatcher.Emit(ctx, event, func(err error) { settled = append(settled, err) }, contracts.Envelope{Attempt: 2})
		require.NoError(t, err)

		assert.Same(t, event, got)
		assert.Equal(t, 2, gotEnv.Attempt)
		assert.Equal(t, []error{nil}, settled)
	})

	t.Run("Emit without handler returns ErrNoHandler", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))

		called := false
		err := dispatcher.Emit(ctx, event, func(error) { called = true }, contracts.Envelope{})
		assert.ErrorIs(t, err, ErrNoHandler)
		assert.Contains(t, err.Error(), "order.created")
		assert.False(t, called)
	})

	t.Run("Register replaces the previous handler", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))

		var calls []string
		require.NoError(t, dispatcher.Register("order.created", Sync(func(context.Context, *contracts.IntegrationEvent) error {
			calls = append(calls, "first")
			return nil
		})))
		require.NoError(t, dispatcher.Register("order.created", Sync(func(context.Context, *contracts.IntegrationEvent) error {
			calls = append(calls, "second")
			return nil
		})))

		require.NoError(t, dispatcher.Emit(ctx, event, func(error) {}, contracts.Envelope{}))
		assert.Equal(t, []string{"second"}, calls)
	})

	t.Run("Unregister removes the handler", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))
		require.NoError(t, dispatcher.Register("order.created", Sync(func(context.Context, *contracts.IntegrationEvent) error { return nil })))

		assert.True(t, dispatcher.Unregister("order.created"))
		assert.False(t, dispatcher.Unregister("order.created"))

		_, ok := dispatcher.Handler("order.created")
		assert.False(t, ok)
		assert.ErrorIs(t, dispatcher.Emit(ctx, event, func(error) {}, contracts.Envelope{}), ErrNoHandler)
	})

	t.Run("Register validates its arguments", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))

		assert.ErrorIs(t, dispatcher.Register("", Sync(func(context.Context, *contracts.IntegrationEvent) error { return nil })), contracts.ErrEventNameRequired)
		assert.Error(t, dispatcher.Register("order.created", nil))
	})

	t.Run("a panicking handler is reported through done", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))
		require.NoError(t, dispatcher.Register("order.created", HandlerFunc(
			func(context.Context, *contracts.IntegrationEvent, DoneFunc, contracts.Envelope) {
				panic("boom")
			})))

		var settled error
		assert.NotPanics(t, func() {
			err := dispatcher.Emit(ctx, event, func(err error) { settled = err }, contracts.Envelope{})
			assert.NoError(t, err)
		})
		require.Error(t, settled)
		assert.Contains(t, settled.Error(), "boom")
	})

	t.Run("Sync passes the handler error to done", func(t *testing.T) {
		failure := errors.New("failed")
		handler := Sync(func(context.Context, *contracts.IntegrationEvent) error { return failure })

		var settled error
		handler.Handle(ctx, event, func(err error) { settled = err }, contracts.Envelope{})
		assert.Equal(t, failure, settled)
	})

	t.Run("Emit rejects nil events", func(t *testing.T) {
		dispatcher := NewEventDispatcher(WithDispatcherLogger(discardLogger()))
		assert.Error(t, dispatcher.Emit(ctx, nil, func(error) {}, contracts.Envelope{}))
	})
}
