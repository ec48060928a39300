// Package rabbitmq holds the broker plumbing of the event bus.
//
// This package includes:
//   - ConnectionManager: owns the single connection, retries the first dial with
//     linear backoff and reconnects after a cooldown when the broker drops it
//   - ChannelManager: keeps one channel per connection and asserts the durable
//     topic exchange on it
//   - Publisher: mandatory, persistent publishes with broker confirms and a
//     bounded number of attempts
//   - Consumer: a single consume loop per channel
//   - TopologyManager: queue declaration and bindings
//
// Connection and Channel are narrow views of amqp091-go so the rabbitmqtest
// package can stand in for a broker.
package rabbitmq
