package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes persistent JSON with the event name as routing key", func(t *testing.T) {
		bus := newTestBus(t)

		topology := rabbitmq.NewTopologyManager(bus.channels)
		_, err := topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: "raw", Durable: true})
		require.NoError(t, err)
		require.NoError(t, topology.BindQueue(ctx, rabbitmq.Binding{Queue: "raw", Exchange: testExchange, RoutingKey: "order.created"}))

		ch, err := bus.channels.EnsureChannel(ctx)
		require.NoError(t, err)
		deliveries := make(chan amqp.Delivery, 1)
		consumer := rabbitmq.NewConsumer("raw", rabbitmq.WithConsumerLogger(discardLogger()))
		defer consumer.Stop()
		_, err = consumer.Start(ch, true, func(ctx context.Context, d amqp.Delivery) { deliveries <- d })
		require.NoError(t, err)

		event := bus.publish(t, "order.created", map[string]string{"orderId": "42"})

		select {
		case d := <-deliveries:
			assert.Equal(t, testExchange, d.Exchange)
			assert.Equal(t, "order.created", d.RoutingKey)
			assert.Equal(t, ContentTypeJSON, d.ContentType)
			assert.Equal(t, amqp.Persistent, d.DeliveryMode)
			assert.Equal(t, event.ID(), d.MessageId)
			assert.Equal(t, "order.created", d.Type)
			assert.True(t, event.CreatedDate().Equal(d.Timestamp))

			decoded, err := contracts.DecodeIntegrationEvent(d.Body)
			require.NoError(t, err)
			assert.Equal(t, event.ID(), decoded.ID())
			assert.JSONEq(t, `{"orderId":"42"}`, string(decoded.Data()))
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not received")
		}

		ok, failed := bus.metrics.Published("order.created")
		assert.Equal(t, int64(1), ok)
		assert.Zero(t, failed)
	})

	t.Run("an event nobody listens to is still accepted", func(t *testing.T) {
		bus := newTestBus(t)

		bus.publish(t, "nobody.listens", nil)
		assert.Len(t, bus.broker.Returned(), 1)
	})

	t.Run("returns false after five failed attempts", func(t *testing.T) {
		bus := newTestBus(t)
		bus.broker.FailPublishes(5)

		event := contracts.MustIntegrationEvent("order.created", nil)
		var ok bool
		assert.NotPanics(t, func() { ok = bus.publisher.Publish(ctx, event) })
		assert.False(t, ok)
		assert.Zero(t, bus.broker.Published())

		_, failed := bus.metrics.Published("order.created")
		assert.Equal(t, int64(1), failed)
	})

	t.Run("succeeds when a retry gets through", func(t *testing.T) {
		bus := newTestBus(t)
		bus.broker.FailPublishes(4)

		assert.True(t, bus.publisher.Publish(ctx, contracts.MustIntegrationEvent("order.created", nil)))
		assert.Equal(t, 1, bus.broker.Published())
	})

	t.Run("returns false when the broker is unreachable", func(t *testing.T) {
		bus := newTestBus(t)
		bus.broker.FailDials(100)

		assert.False(t, bus.publisher.Publish(ctx, contracts.MustIntegrationEvent("order.created", nil)))
		assert.Equal(t, 6, bus.broker.Dials())
	})

	t.Run("returns false for a nil event", func(t *testing.T) {
		bus := newTestBus(t)
		assert.False(t, bus.publisher.Publish(ctx, nil))
	})
}
