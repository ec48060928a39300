// Package messaging publishes and consumes integration events.
//
// This package implements:
//   - EventPublisher: encodes an event and publishes it with its name as routing key
//   - EventSubscriber: binds event names to the consumer queue, dispatches
//     deliveries and replays subscriptions after a reconnect
//   - EventDispatcher: one handler per event name, panics reported as failures
//   - Acknowledgment: Decide maps a handler outcome and attempt count to
//     Acknowledge, Retry or Reject
//   - AttemptTracker: numbers redeliveries from the broker delivery count or
//     a bounded local cache
//
// Example usage:
//
//	err := subscriber.Subscribe(ctx, "order.created", messaging.Sync(
//		func(ctx context.Context, event *contracts.IntegrationEvent) error {
//			var order Order
//			if err := event.DecodeData(&order); err != nil {
//				return err
//			}
//			return process(order)
//		}), messaging.WithRetryCount(5))
package messaging
