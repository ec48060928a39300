// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/messaging"
	"github.com/glimte/eventbus-go/metrics"
	"go.uber.org/multierr"
)

// Dialer opens broker connections. The default dials with amqp091-go.
type Dialer = rabbitmq.Dialer

// Bus publishes and consumes integration events over one broker connection
type Bus struct {
	cfg         config.Config
	logger      *slog.Logger
	connections *rabbitmq.ConnectionManager
	channels    *rabbitmq.ChannelManager
	publisher   *messaging.EventPublisher
	subscriber  *messaging.EventSubscriber
}

// New creates a bus for cfg. It does not connect; the first Connect, Publish
// or Subscribe does.
func New(cfg config.Config, options ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &busOptions{
		logger:  slog.Default(),
		dialer:  rabbitmq.DialAMQP(cfg.DialTimeout),
		metrics: metrics.Nop{},
	}
	for _, opt := range options {
		opt(opts)
	}

	logger := opts.logger.With("consumer", cfg.Consumer, "exchange", cfg.Exchange)

	connections := rabbitmq.NewConnectionManager(cfg.URL(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithDialer(opts.dialer),
		rabbitmq.WithRetryBaseDelay(cfg.RetryBaseDelay),
		rabbitmq.WithMaxRetries(cfg.MaxConnectRetries),
		rabbitmq.WithReconnectCooldown(cfg.ReconnectCooldown),
	)

	channels := rabbitmq.NewChannelManager(connections, cfg.Exchange,
		rabbitmq.WithChannelLogger(logger),
		rabbitmq.WithPublisherConfirms(cfg.PublisherConfirms),
		rabbitmq.WithPrefetch(cfg.Prefetch),
	)

	publisher := messaging.NewEventPublisher(
		rabbitmq.NewPublisher(channels,
			rabbitmq.WithPublisherLogger(logger),
			rabbitmq.WithPublishAttempts(cfg.MaxPublishAttempts),
			rabbitmq.WithPublishBackoff(cfg.RetryBaseDelay),
			rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		),
		cfg.Exchange,
		messaging.WithPublisherLogger(logger),
		messaging.WithPublisherMetrics(opts.metrics),
	)

	subscriber, err := messaging.NewEventSubscriber(channels,
		rabbitmq.QueueDeclaration{
			Name:      cfg.Consumer,
			Durable:   true,
			Arguments: rabbitmq.QueueArguments(cfg.QueueType, cfg.DeadLetterExchange),
		},
		messaging.WithSubscriberLogger(logger),
		messaging.WithSubscriberMetrics(opts.metrics),
		messaging.WithAttemptCacheSize(cfg.AttemptCacheSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}

	connections.AddStateListener(subscriber)
	connections.AddStateListener(reconnectRecorder{metrics: opts.metrics})

	return &Bus{
		cfg:         cfg,
		logger:      logger,
		connections: connections,
		channels:    channels,
		publisher:   publisher,
		subscriber:  subscriber,
	}, nil
}

// Connect connects to the broker, retrying with linear backoff. Once the retry
// ceiling is exceeded the error is fatal (see IsFatal) and is also sent on Fatal.
func (b *Bus) Connect(ctx context.Context) error {
	return b.connections.Connect(ctx)
}

// Publish sends event with its name as routing key and reports whether the
// broker accepted it
func (b *Bus) Publish(ctx context.Context, event *contracts.IntegrationEvent) bool {
	return b.publisher.Publish(ctx, event)
}

// Subscribe routes events named eventName to handler
func (b *Bus) Subscribe(ctx context.Context, eventName string, handler messaging.Handler, options ...messaging.SubscribeOption) error {
	return b.subscriber.Subscribe(ctx, eventName, handler, options...)
}

// Unsubscribe stops routing events named eventName
func (b *Bus) Unsubscribe(ctx context.Context, eventName string) error {
	return b.subscriber.Unsubscribe(ctx, eventName)
}

// Fatal delivers the error that ended all connection attempts. The host decides
// whether to exit.
func (b *Bus) Fatal() <-chan error {
	return b.connections.Fatal()
}

// IsConnected reports whether the bus holds a broker connection
func (b *Bus) IsConnected() bool {
	return b.connections.IsConnected()
}

// Logger returns the bus logger, tagged with the consumer and exchange
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Config returns the configuration the bus was created with
func (b *Bus) Config() config.Config {
	return b.cfg
}

// Close stops consuming and closes the channel and connection
func (b *Bus) Close() error {
	err := multierr.Combine(
		b.subscriber.Close(),
		b.channels.Close(),
		b.connections.Close(),
	)
	b.logger.Info("event bus closed")
	return err
}

// IsFatal reports whether err means the broker stayed unreachable after all
// connection attempts
func IsFatal(err error) bool {
	return rabbitmq.IsFatal(err)
}

type reconnectRecorder struct {
	metrics metrics.Recorder
}

func (r reconnectRecorder) OnDisconnected(error) {}

func (r reconnectRecorder) OnReconnected() {
	r.metrics.Reconnected()
}

// busOptions holds bus construction options
type busOptions struct {
	logger  *slog.Logger
	dialer  Dialer
	metrics metrics.Recorder
}

// Option configures the bus
type Option func(*busOptions)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dialer Dialer) Option {
	return func(o *busOptions) {
		o.dialer = dialer
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *busOptions) {
		o.metrics = recorder
	}
}
