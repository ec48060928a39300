package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgment is up to the handler.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer runs the consume loop of one queue. At most one loop runs per
// channel; a new channel needs a new loop.
type Consumer struct {
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	active  Channel
	autoAck bool
	tag     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:  queue,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// Start begins consuming on ch unless a loop already runs on it. It reports
// whether a new loop was started.
func (c *Consumer) Start(ch Channel, autoAck bool, handler DeliveryHandler) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return false, &ConsumerError{Queue: c.queue, Op: "consume", Err: ErrConsumerCancelled, Timestamp: time.Now()}
	}
	if c.active == ch && !ch.IsClosed() {
		return false, nil
	}

	tag := fmt.Sprintf("%s-%s", c.queue, uuid.NewString())
	deliveries, err := ch.Consume(
		c.queue,
		tag,
		autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return false, &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.active = ch
	c.autoAck = autoAck
	c.tag = tag

	c.wg.Add(1)
	go c.run(ch, tag, deliveries, handler)

	c.logger.Info("consuming queue", "queue", c.queue, "consumerTag", tag, "autoAck", autoAck)
	return true, nil
}

func (c *Consumer) run(ch Channel, tag string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.mu.Lock()
				if c.active == ch {
					c.active = nil
				}
				c.mu.Unlock()

				c.logger.Warn("delivery channel closed", "queue", c.queue, "consumerTag", tag)
				return
			}
			handler(c.ctx, delivery)
		}
	}
}

// AutoAck reports whether the running loop consumes in auto-ack mode
func (c *Consumer) AutoAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoAck
}

// Active reports whether a consume loop is running
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Stop ends the consume loop and waits for the current delivery to finish
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}
