package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	retry "github.com/sethvargo/go-retry"
)

// Publisher publishes to the managed channel with bounded retries
type Publisher struct {
	channels       *ChannelManager
	maxAttempts    int
	baseDelay      time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishAttempts sets the total number of publish attempts
func WithPublishAttempts(attempts int) PublisherOption {
	return func(p *Publisher) {
		p.maxAttempts = attempts
	}
}

// WithPublishBackoff sets the linear backoff unit between attempts
func WithPublishBackoff(base time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.baseDelay = base
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm per attempt
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels *ChannelManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		maxAttempts:    5,
		baseDelay:      time.Second,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}

	return p
}

// Publish sends msg as a mandatory publish. Failed attempts are retried on a
// freshly ensured channel, waiting n*base before the n-th retry. Fatal
// connection errors end the loop early.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(p.maxAttempts-1), LinearBackoff(p.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		err := p.publishOnce(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		p.logger.Warn("could not publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish failed after %d attempts: %w", attempt, err)
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.channels.EnsureChannel(ctx)
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	if err := ch.Publish(confirmCtx, exchange, routingKey, true, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  true,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
