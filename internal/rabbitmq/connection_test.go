package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Connect succeeds on first dial", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker)

		assert.Equal(t, rabbitmq.StateDisconnected, cm.State())
		require.NoError(t, cm.Connect(ctx))

		assert.True(t, cm.IsConnected())
		assert.Equal(t, "connected", cm.State().String())
		assert.Equal(t, 1, broker.Dials())

		conn, err := cm.Connection()
		require.NoError(t, err)
		assert.False(t, conn.IsClosed())
	})

	t.Run("Connect is a no-op when already connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker)

		require.NoError(t, cm.Connect(ctx))
		require.NoError(t, cm.Connect(ctx))
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("Connection returns error when not connected", func(t *testing.T) {
		cm := newConnectionManager(t, rabbitmqtest.NewBroker())

		_, err := cm.Connection()
		assert.Equal(t, rabbitmq.ErrConnectionNotReady, err)
	})

	t.Run("failed dials are retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(3)
		cm := newConnectionManager(t, broker)

		require.NoError(t, cm.Connect(ctx))
		assert.True(t, cm.IsConnected())
		assert.Equal(t, 4, broker.Dials())
	})

	t.Run("gives up after the retry ceiling", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(100)
		cm := newConnectionManager(t, broker, rabbitmq.WithMaxRetries(5))

		err := cm.Connect(ctx)
		require.Error(t, err)
		assert.True(t, rabbitmq.IsFatal(err))
		assert.ErrorIs(t, err, rabbitmq.ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, rabbitmqtest.ErrInjectedDial)
		assert.Equal(t, 6, broker.Dials())

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 6, connErr.Attempts)
		assert.NotContains(t, connErr.Error(), "secret")

		select {
		case fatal := <-cm.Fatal():
			assert.True(t, rabbitmq.IsFatal(fatal))
		case <-time.After(time.Second):
			t.Fatal("fatal error was not reported")
		}
	})

	t.Run("exhaustion is sticky", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(100)
		cm := newConnectionManager(t, broker, rabbitmq.WithMaxRetries(2))

		require.Error(t, cm.Connect(ctx))
		dials := broker.Dials()

		err := cm.Connect(ctx)
		assert.True(t, rabbitmq.IsFatal(err))
		assert.Equal(t, dials, broker.Dials())

		<-cm.Fatal()
		select {
		case <-cm.Fatal():
			t.Fatal("fatal error reported twice")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("waits n times the base delay after the n-th failure", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(3)
		cm := newConnectionManager(t, broker, rabbitmq.WithRetryBaseDelay(10*time.Millisecond))

		start := time.Now()
		require.NoError(t, cm.Connect(ctx))
		// 10ms + 20ms + 30ms
		assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	})

	t.Run("context cancellation stops retrying without a fatal error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(100)
		cm := newConnectionManager(t, broker, rabbitmq.WithRetryBaseDelay(time.Second))

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		err := cm.Connect(cctx)
		require.Error(t, err)
		assert.False(t, rabbitmq.IsFatal(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("concurrent Connect dials once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialDelay(50 * time.Millisecond)
		cm := newConnectionManager(t, broker)

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- cm.Connect(ctx)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("reconnects after the broker closes the connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker)
		listener := &stateRecorder{}
		cm.AddStateListener(listener)

		require.NoError(t, cm.Connect(ctx))
		broker.CloseConnections(amqp.ConnectionForced, "CONNECTION_FORCED")

		assert.Eventually(t, func() bool {
			_, reconnected := listener.counts()
			return reconnected == 1
		}, time.Second, 5*time.Millisecond)

		disconnected, _ := listener.counts()
		assert.Equal(t, 1, disconnected)
		assert.True(t, cm.IsConnected())
		assert.Equal(t, 2, broker.Dials())
		assert.Equal(t, 1, broker.OpenConnections())

		listener.mu.Lock()
		var amqpErr *amqp.Error
		assert.True(t, errors.As(listener.lastErr, &amqpErr))
		listener.mu.Unlock()
	})

	t.Run("waits for the cooldown before reconnecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker, rabbitmq.WithReconnectCooldown(time.Hour))

		require.NoError(t, cm.Connect(ctx))
		broker.CloseConnections(amqp.ConnectionForced, "CONNECTION_FORCED")

		assert.Eventually(t, func() bool { return !cm.IsConnected() }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("removed listeners are not notified", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker)
		kept, removed := &stateRecorder{}, &stateRecorder{}
		cm.AddStateListener(kept)
		cm.AddStateListener(removed)
		cm.RemoveStateListener(removed)

		require.NoError(t, cm.Connect(ctx))
		broker.CloseConnections(amqp.ConnectionForced, "CONNECTION_FORCED")

		assert.Eventually(t, func() bool {
			_, reconnected := kept.counts()
			return reconnected == 1
		}, time.Second, 5*time.Millisecond)

		disconnected, reconnected := removed.counts()
		assert.Zero(t, disconnected)
		assert.Zero(t, reconnected)
	})

	t.Run("Close stops reconnecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newConnectionManager(t, broker)
		listener := &stateRecorder{}
		cm.AddStateListener(listener)

		require.NoError(t, cm.Connect(ctx))
		require.NoError(t, cm.Close())
		require.NoError(t, cm.Close())

		assert.False(t, cm.IsConnected())
		assert.Zero(t, broker.OpenConnections())
		assert.ErrorIs(t, cm.Connect(ctx), rabbitmq.ErrManagerClosed)

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, broker.Dials())
		_, reconnected := listener.counts()
		assert.Zero(t, reconnected)
	})
}
