package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type of every published event
const ContentTypeJSON = "application/json"

// EventPublisher publishes integration events to the bus exchange
type EventPublisher struct {
	publisher *rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
	metrics   metrics.Recorder
}

// PublisherOption configures the EventPublisher
type PublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(recorder metrics.Recorder) PublisherOption {
	return func(p *EventPublisher) {
		p.metrics = recorder
	}
}

// NewEventPublisher creates a publisher for exchange
func NewEventPublisher(publisher *rabbitmq.Publisher, exchange string, options ...PublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher: publisher,
		exchange:  exchange,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends event with its name as routing key. It reports whether the
// broker accepted the event; failures are logged, never returned.
func (p *EventPublisher) Publish(ctx context.Context, event *contracts.IntegrationEvent) bool {
	if event == nil {
		p.logger.Error("cannot publish nil event")
		return false
	}

	body, err := event.Encode()
	if err != nil {
		p.logger.Error("failed to encode event",
			"eventName", event.Name(),
			"eventId", event.ID(),
			"error", err,
		)
		p.metrics.EventPublished(event.Name(), false)
		return false
	}

	publishing := amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID(),
		Type:         event.Name(),
		Timestamp:    event.CreatedDate(),
		Body:         body,
	}

	if err := p.publisher.Publish(ctx, p.exchange, event.Name(), publishing); err != nil {
		p.logger.Error("failed to publish event",
			"eventName", event.Name(),
			"eventId", event.ID(),
			"exchange", p.exchange,
			"fatal", rabbitmq.IsFatal(err),
			"error", err,
		)
		p.metrics.EventPublished(event.Name(), false)
		return false
	}

	p.logger.Debug("event published",
		"eventName", event.Name(),
		"eventId", event.ID(),
		"exchange", p.exchange,
	)
	p.metrics.EventPublished(event.Name(), true)
	return true
}
