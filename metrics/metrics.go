// Package metrics records what the event bus publishes and settles.
package metrics

// Drop reasons reported by DeliveryDropped
const (
	ReasonDecode    = "decode"
	ReasonNoHandler = "no_handler"
)

// Recorder receives event bus measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// EventPublished is called once per Publish with its outcome
	EventPublished(eventName string, ok bool)
	// DeliverySettled is called when a delivery is acked or nacked
	DeliverySettled(eventName string, action string)
	// DeliveryDropped is called when a delivery is left unsettled
	DeliveryDropped(eventName string, reason string)
	// Reconnected is called after the connection is re-established
	Reconnected()
}

// Nop discards all measurements
type Nop struct{}

func (Nop) EventPublished(string, bool)    {}
func (Nop) DeliverySettled(string, string) {}
func (Nop) DeliveryDropped(string, string) {}
func (Nop) Reconnected()                   {}

var _ Recorder = Nop{}
