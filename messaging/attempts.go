package messaging

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryCountHeader is set by quorum queues on redeliveries
const DeliveryCountHeader = "x-delivery-count"

// AttemptTracker numbers the deliveries of each event, starting at 1. The
// broker's delivery count wins when present; otherwise a bounded LRU keyed by
// event ID counts what this instance has seen.
type AttemptTracker struct {
	seen *lru.Cache
}

// NewAttemptTracker creates a tracker remembering up to size events
func NewAttemptTracker(size int) (*AttemptTracker, error) {
	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("messaging: attempt cache: %w", err)
	}
	return &AttemptTracker{seen: seen}, nil
}

// Next records a delivery of eventID and returns its attempt number
func (t *AttemptTracker) Next(eventID string, headers amqp.Table, redelivered bool) int {
	attempt := 1
	if count, ok := DeliveryCount(headers); ok {
		attempt = count + 1
	}
	if redelivered && attempt < 2 {
		attempt = 2
	}
	if eventID == "" {
		return attempt
	}

	local := 1
	if v, ok := t.seen.Get(eventID); ok {
		local = v.(int) + 1
	}
	if local > attempt {
		attempt = local
	}
	t.seen.Add(eventID, attempt)
	return attempt
}

// Forget drops the count of eventID
func (t *AttemptTracker) Forget(eventID string) {
	t.seen.Remove(eventID)
}

// Len returns the number of tracked events
func (t *AttemptTracker) Len() int {
	return t.seen.Len()
}

// DeliveryCount reads the broker delivery count header
func DeliveryCount(headers amqp.Table) (int, bool) {
	v, ok := headers[DeliveryCountHeader]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
