package contracts

// Envelope is the read-only broker metadata of a delivered event. It is consulted
// to decide ack/nack and is never mutated by the bus.
type Envelope struct {
	// Attempt is the 1-based delivery attempt of this message
	Attempt     int
	Redelivered bool
	Exchange    string
	RoutingKey  string
	DeliveryTag uint64
	ConsumerTag string
	MessageID   string
	Headers     map[string]interface{}
}

// Header returns a header value and whether it was present
func (e Envelope) Header(key string) (interface{}, bool) {
	if e.Headers == nil {
		return nil, false
	}
	v, ok := e.Headers[key]
	return v, ok
}
