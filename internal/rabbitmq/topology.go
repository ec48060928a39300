package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange types
const (
	ExchangeTopic = "topic"
)

// TopologyManager declares queues and bindings on the managed channel
type TopologyManager struct {
	channels *ChannelManager
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(channels *ChannelManager) *TopologyManager {
	return &TopologyManager{
		channels: channels,
	}
}

// DeclareQueue ensures a channel and declares queue on it
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	ch, err := tm.channels.EnsureChannel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return DeclareQueue(ch, queue)
}

// BindQueue ensures a channel and creates the binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	ch, err := tm.channels.EnsureChannel(ctx)
	if err != nil {
		return err
	}
	return BindQueue(ch, binding)
}

// UnbindQueue ensures a channel and removes the binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding Binding) error {
	ch, err := tm.channels.EnsureChannel(ctx)
	if err != nil {
		return err
	}
	return UnbindQueue(ch, binding)
}

// DeclareExchange declares an exchange on ch
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue on ch
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on ch
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.RoutingKey, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// UnbindQueue removes a queue binding on ch
func UnbindQueue(ch Channel, binding Binding) error {
	err := ch.QueueUnbind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.RoutingKey, Op: "unbind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// QueueArguments builds the x-arguments of the consumer queue
func QueueArguments(queueType, deadLetterExchange string) amqp.Table {
	args := amqp.Table{}
	if queueType != "" {
		args["x-queue-type"] = queueType
	}
	if deadLetterExchange != "" {
		args["x-dead-letter-exchange"] = deadLetterExchange
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
