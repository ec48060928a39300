package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindQueue(t *testing.T, channels *rabbitmq.ChannelManager, queue string, keys ...string) {
	t.Helper()

	topology := rabbitmq.NewTopologyManager(channels)
	_, err := topology.DeclareQueue(context.Background(), rabbitmq.QueueDeclaration{Name: queue, Durable: true})
	require.NoError(t, err)
	for _, key := range keys {
		require.NoError(t, topology.BindQueue(context.Background(), rabbitmq.Binding{
			Queue:      queue,
			Exchange:   channels.Exchange(),
			RoutingKey: key,
		}))
	}
}

func newPublisher(channels *rabbitmq.ChannelManager, options ...rabbitmq.PublisherOption) *rabbitmq.Publisher {
	opts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(discardLogger()),
		rabbitmq.WithPublishBackoff(time.Millisecond),
	}
	return rabbitmq.NewPublisher(channels, append(opts, options...)...)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	msg := amqp.Publishing{ContentType: "application/json", MessageId: "m-1", Body: []byte(`{}`)}

	t.Run("routes to the bound queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		_, channels := newChannelManager(t, broker, "events")
		bindQueue(t, channels, "Example", "order.created")

		require.NoError(t, newPublisher(channels).Publish(ctx, "events", "order.created", msg))
		assert.Equal(t, 1, broker.Ready("Example"))
		assert.Empty(t, broker.Returned())
	})

	t.Run("unroutable messages are returned", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		_, channels := newChannelManager(t, broker, "events")

		require.NoError(t, newPublisher(channels).Publish(ctx, "events", "nobody.listens", msg))
		require.Len(t, broker.Returned(), 1)
		assert.Equal(t, "m-1", broker.Returned()[0].MessageId)
	})

	t.Run("retries failed attempts", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailPublishes(4)
		_, channels := newChannelManager(t, broker, "events")
		bindQueue(t, channels, "Example", "order.created")

		require.NoError(t, newPublisher(channels).Publish(ctx, "events", "order.created", msg))
		assert.Equal(t, 1, broker.Published())
		assert.Equal(t, 1, broker.Ready("Example"))
	})

	t.Run("gives up after the attempt limit", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailPublishes(5)
		_, channels := newChannelManager(t, broker, "events")

		err := newPublisher(channels, rabbitmq.WithPublishAttempts(5)).Publish(ctx, "events", "order.created", msg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 5 attempts")
		assert.ErrorIs(t, err, rabbitmqtest.ErrInjectedPublish)

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.True(t, pubErr.Mandatory)
		assert.Zero(t, broker.Published())
	})

	t.Run("a fatal connection error ends the loop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailDials(100)
		cm := newConnectionManager(t, broker, rabbitmq.WithMaxRetries(0))
		channels := rabbitmq.NewChannelManager(cm, "events", rabbitmq.WithChannelLogger(discardLogger()))

		err := newPublisher(channels).Publish(ctx, "events", "order.created", msg)
		require.Error(t, err)
		assert.True(t, rabbitmq.IsFatal(err))
		assert.Contains(t, err.Error(), "after 1 attempts")
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("publishes on a fresh channel after the broker closed it", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		_, channels := newChannelManager(t, broker, "events")
		bindQueue(t, channels, "Example", "order.created")

		broker.CloseChannels(amqp.ChannelError, "CHANNEL_ERROR")

		require.NoError(t, newPublisher(channels).Publish(ctx, "events", "order.created", msg))
		assert.Equal(t, 1, broker.Ready("Example"))
		assert.Equal(t, 2, channels.Opened())
	})
}
