package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// DefaultRetryCount is how often a failed event is requeued before it is rejected
const DefaultRetryCount = 3

// SubscribeOptions configures a subscription
type SubscribeOptions struct {
	// NoAck consumes in auto-ack mode. It applies to the consume loop, which
	// the first subscription on a channel starts.
	NoAck bool
	// RetryCount is how many failed attempts are requeued
	RetryCount int
}

// SubscribeOption configures subscription behavior
type SubscribeOption func(*SubscribeOptions)

// WithNoAck sets auto-ack mode
func WithNoAck(noAck bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.NoAck = noAck
	}
}

// WithRetryCount sets how many failed attempts are requeued
func WithRetryCount(retryCount int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.RetryCount = retryCount
	}
}

// Subscription is a recorded subscription, replayed after a reconnect
type Subscription struct {
	EventName string
	Handler   Handler
	Options   SubscribeOptions
}

// EventSubscriber binds event names to the consumer queue and dispatches the
// deliveries to their handlers
type EventSubscriber struct {
	channels   *rabbitmq.ChannelManager
	topology   *rabbitmq.TopologyManager
	consumer   *rabbitmq.Consumer
	dispatcher *EventDispatcher
	attempts   *AttemptTracker
	queue      rabbitmq.QueueDeclaration
	logger     *slog.Logger
	metrics    metrics.Recorder

	resubscribeTimeout time.Duration
	attemptCacheSize   int

	mu            sync.Mutex
	subscriptions []Subscription

	optionsMu sync.RWMutex
	options   map[string]SubscribeOptions

	ctx    context.Context
	cancel context.CancelFunc
}

// SubscriberOption configures the EventSubscriber
type SubscriberOption func(*EventSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *EventSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics recorder
func WithSubscriberMetrics(recorder metrics.Recorder) SubscriberOption {
	return func(s *EventSubscriber) {
		s.metrics = recorder
	}
}

// WithAttemptCacheSize bounds how many events the attempt tracker remembers
func WithAttemptCacheSize(size int) SubscriberOption {
	return func(s *EventSubscriber) {
		s.attemptCacheSize = size
	}
}

// WithResubscribeTimeout bounds the replay of all subscriptions after a reconnect
func WithResubscribeTimeout(timeout time.Duration) SubscriberOption {
	return func(s *EventSubscriber) {
		s.resubscribeTimeout = timeout
	}
}

// NewEventSubscriber creates a subscriber consuming from queue. It installs
// itself as the channel recovery handler.
func NewEventSubscriber(channels *rabbitmq.ChannelManager, queue rabbitmq.QueueDeclaration, options ...SubscriberOption) (*EventSubscriber, error) {
	s := &EventSubscriber{
		channels:           channels,
		topology:           rabbitmq.NewTopologyManager(channels),
		queue:              queue,
		logger:             slog.Default(),
		metrics:            metrics.Nop{},
		resubscribeTimeout: 30 * time.Second,
		attemptCacheSize:   4096,
		options:            make(map[string]SubscribeOptions),
	}

	for _, opt := range options {
		opt(s)
	}

	attempts, err := NewAttemptTracker(s.attemptCacheSize)
	if err != nil {
		return nil, err
	}
	s.attempts = attempts
	s.dispatcher = NewEventDispatcher(WithDispatcherLogger(s.logger))
	s.consumer = rabbitmq.NewConsumer(queue.Name, rabbitmq.WithConsumerLogger(s.logger))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	channels.SetRecoveryHandler(s.resubscribeAll)
	return s, nil
}

// Dispatcher returns the dispatcher holding the registered handlers
func (s *EventSubscriber) Dispatcher() *EventDispatcher {
	return s.dispatcher
}

// Subscribe binds eventName to the consumer queue and routes its deliveries to
// handler. Subscribing to a name again replaces its handler and options.
func (s *EventSubscriber) Subscribe(ctx context.Context, eventName string, handler Handler, options ...SubscribeOption) error {
	if eventName == "" {
		return contracts.ErrEventNameRequired
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	opts := SubscribeOptions{RetryCount: DefaultRetryCount}
	for _, opt := range options {
		opt(&opts)
	}

	sub := Subscription{EventName: eventName, Handler: handler, Options: opts}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.subscribe(ctx, sub); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventName, err)
	}
	s.record(sub)

	s.logger.Info("subscribed to event",
		"eventName", eventName,
		"queue", s.queue.Name,
		"noAck", opts.NoAck,
		"retryCount", opts.RetryCount,
	)
	return nil
}

// subscribe does the broker side of a subscription; s.mu must be held
func (s *EventSubscriber) subscribe(ctx context.Context, sub Subscription) error {
	ch, err := s.channels.EnsureChannel(ctx)
	if err != nil {
		return err
	}

	if _, err := rabbitmq.DeclareQueue(ch, s.queue); err != nil {
		return err
	}
	err = rabbitmq.BindQueue(ch, rabbitmq.Binding{
		Queue:      s.queue.Name,
		Exchange:   s.channels.Exchange(),
		RoutingKey: sub.EventName,
	})
	if err != nil {
		return err
	}

	previous, existed := s.dispatcher.Handler(sub.EventName)
	s.optionsMu.RLock()
	previousOpts := s.options[sub.EventName]
	s.optionsMu.RUnlock()

	if err := s.dispatcher.Register(sub.EventName, sub.Handler); err != nil {
		return err
	}
	s.optionsMu.Lock()
	s.options[sub.EventName] = sub.Options
	s.optionsMu.Unlock()

	started, err := s.consumer.Start(ch, sub.Options.NoAck, s.handleDelivery)
	if err != nil {
		s.rollback(ch, sub.EventName, previous, previousOpts, existed)
		return err
	}
	if !started && s.consumer.AutoAck() != sub.Options.NoAck {
		s.logger.Warn("consume loop already running with a different ack mode",
			"eventName", sub.EventName,
			"noAck", sub.Options.NoAck,
			"loopNoAck", s.consumer.AutoAck(),
		)
	}
	return nil
}

// rollback restores the state before a failed subscribe. A name that had no
// handler before is unbound again.
func (s *EventSubscriber) rollback(ch rabbitmq.Channel, eventName string, previous Handler, previousOpts SubscribeOptions, existed bool) {
	if existed {
		s.dispatcher.Register(eventName, previous)
		s.optionsMu.Lock()
		s.options[eventName] = previousOpts
		s.optionsMu.Unlock()
		return
	}

	s.dispatcher.Unregister(eventName)
	s.optionsMu.Lock()
	delete(s.options, eventName)
	s.optionsMu.Unlock()

	err := rabbitmq.UnbindQueue(ch, rabbitmq.Binding{
		Queue:      s.queue.Name,
		Exchange:   s.channels.Exchange(),
		RoutingKey: eventName,
	})
	if err != nil {
		s.logger.Warn("failed to unbind after failed subscribe", "eventName", eventName, "error", err)
	}
}

func (s *EventSubscriber) record(sub Subscription) {
	for i, existing := range s.subscriptions {
		if existing.EventName == sub.EventName {
			s.subscriptions[i] = sub
			return
		}
	}
	s.subscriptions = append(s.subscriptions, sub)
}

// Unsubscribe unbinds eventName and drops its handler
func (s *EventSubscriber) Unsubscribe(ctx context.Context, eventName string) error {
	if eventName == "" {
		return contracts.ErrEventNameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.topology.UnbindQueue(ctx, rabbitmq.Binding{
		Queue:      s.queue.Name,
		Exchange:   s.channels.Exchange(),
		RoutingKey: eventName,
	})
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", eventName, err)
	}

	s.dispatcher.Unregister(eventName)
	s.optionsMu.Lock()
	delete(s.options, eventName)
	s.optionsMu.Unlock()

	for i, sub := range s.subscriptions {
		if sub.EventName == eventName {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			break
		}
	}

	s.logger.Info("unsubscribed from event", "eventName", eventName, "queue", s.queue.Name)
	return nil
}

// Subscriptions returns the recorded subscriptions in subscription order
func (s *EventSubscriber) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subscriptions...)
}

// Resubscribe replays every recorded subscription with its original handler
// and options. Failures are logged and the replay continues.
func (s *EventSubscriber) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for _, sub := range s.subscriptions {
		if err := s.subscribe(ctx, sub); err != nil {
			s.logger.Error("failed to resubscribe", "eventName", sub.EventName, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sub.EventName, err))
			continue
		}
		s.logger.Info("resubscribed to event", "eventName", sub.EventName)
	}
	return errs
}

func (s *EventSubscriber) resubscribeAll() {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.resubscribeTimeout)
	defer cancel()
	s.Resubscribe(ctx)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (s *EventSubscriber) OnDisconnected(err error) {
	s.logger.Warn("subscriptions suspended until reconnect", "queue", s.queue.Name, "error", err)
}

// OnReconnected implements rabbitmq.ConnectionStateListener
func (s *EventSubscriber) OnReconnected() {
	s.resubscribeAll()
}

func (s *EventSubscriber) subscribeOptions(eventName string) SubscribeOptions {
	s.optionsMu.RLock()
	defer s.optionsMu.RUnlock()
	if opts, ok := s.options[eventName]; ok {
		return opts
	}
	return SubscribeOptions{RetryCount: DefaultRetryCount}
}

// handleDelivery decodes and dispatches one delivery. Deliveries that cannot
// be decoded or have no handler are left unsettled.
func (s *EventSubscriber) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	event, err := contracts.DecodeIntegrationEvent(delivery.Body)
	if err != nil {
		s.logger.Error("failed to decode event",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
		s.metrics.DeliveryDropped(delivery.RoutingKey, metrics.ReasonDecode)
		return
	}

	opts := s.subscribeOptions(event.Name())
	attempt := s.attempts.Next(event.ID(), delivery.Headers, delivery.Redelivered)

	env := contracts.Envelope{
		Attempt:     attempt,
		Redelivered: delivery.Redelivered,
		Exchange:    delivery.Exchange,
		RoutingKey:  delivery.RoutingKey,
		DeliveryTag: delivery.DeliveryTag,
		ConsumerTag: delivery.ConsumerTag,
		MessageID:   delivery.MessageId,
		Headers:     delivery.Headers,
	}

	st := &settlement{
		delivery:   delivery,
		eventName:  event.Name(),
		eventID:    event.ID(),
		attempt:    attempt,
		retryCount: opts.RetryCount,
		autoAck:    s.consumer.AutoAck(),
		attempts:   s.attempts,
		logger:     s.logger,
		metrics:    s.metrics,
	}

	if err := s.dispatcher.Emit(ctx, event, st.done, env); err != nil {
		s.logger.Error("failed to dispatch event",
			"eventName", event.Name(),
			"eventId", event.ID(),
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
		s.attempts.Forget(event.ID())
		s.metrics.DeliveryDropped(event.Name(), metrics.ReasonNoHandler)
	}
}

// Close stops consuming. Recorded subscriptions are kept.
func (s *EventSubscriber) Close() error {
	s.cancel()
	s.consumer.Stop()
	return nil
}
