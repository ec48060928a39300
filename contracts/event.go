package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrEventNameRequired is returned when an event is built or decoded without a name
	ErrEventNameRequired = errors.New("contracts: event name is required")
	// ErrInvalidEventData is returned when raw event data is not valid JSON
	ErrInvalidEventData = errors.New("contracts: event data is not valid JSON")
)

// IntegrationEvent is a named fact exchanged between services. The name doubles
// as the routing key. Values are immutable once constructed.
type IntegrationEvent struct {
	id          string
	name        string
	data        json.RawMessage
	createdDate time.Time
}

// EventOption configures an IntegrationEvent at construction
type EventOption func(*IntegrationEvent)

// WithEventID overrides the generated event ID. An empty id keeps the generated one.
func WithEventID(id string) EventOption {
	return func(e *IntegrationEvent) {
		if id != "" {
			e.id = id
		}
	}
}

// NewIntegrationEvent creates an event carrying data encoded as JSON.
// data may be any JSON-encodable value, or json.RawMessage to pass pre-encoded bytes.
func NewIntegrationEvent(name string, data any, options ...EventOption) (*IntegrationEvent, error) {
	if name == "" {
		return nil, ErrEventNameRequired
	}

	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	e := &IntegrationEvent{
		id:          NewEventID(),
		name:        name,
		data:        raw,
		createdDate: time.Now().UTC(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// MustIntegrationEvent is like NewIntegrationEvent but panics on error
func MustIntegrationEvent(name string, data any, options ...EventOption) *IntegrationEvent {
	e, err := NewIntegrationEvent(name, data, options...)
	if err != nil {
		panic(err)
	}
	return e
}

// NewEventID returns a unique, time-ordered identifier (UUIDv7)
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !codec.Valid(v) {
			return nil, ErrInvalidEventData
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		raw, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("contracts: failed to encode event data: %w", err)
		}
		return raw, nil
	}
}

// ID returns the event ID
func (e *IntegrationEvent) ID() string {
	return e.id
}

// Name returns the event name
func (e *IntegrationEvent) Name() string {
	return e.name
}

// Data returns a copy of the raw JSON payload
func (e *IntegrationEvent) Data() json.RawMessage {
	return append(json.RawMessage(nil), e.data...)
}

// CreatedDate returns when the event was constructed
func (e *IntegrationEvent) CreatedDate() time.Time {
	return e.createdDate
}

// DecodeData unmarshals the payload into v
func (e *IntegrationEvent) DecodeData(v any) error {
	return codec.Unmarshal(e.data, v)
}

// integrationEventJSON is the wire form
type integrationEventJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	CreatedDate time.Time       `json:"createdDate"`
}

// MarshalJSON implements json.Marshaler
func (e *IntegrationEvent) MarshalJSON() ([]byte, error) {
	return codec.Marshal(integrationEventJSON{
		ID:          e.id,
		Name:        e.name,
		Data:        e.data,
		CreatedDate: e.createdDate,
	})
}

// Encode returns the UTF-8 JSON body published to the broker
func (e *IntegrationEvent) Encode() ([]byte, error) {
	return e.MarshalJSON()
}

// DecodeIntegrationEvent rebuilds an event from a broker payload. A missing id is
// generated and a missing createdDate is set to now.
func DecodeIntegrationEvent(body []byte) (*IntegrationEvent, error) {
	var wire integrationEventJSON
	if err := codec.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("contracts: failed to decode event: %w", err)
	}
	if wire.Name == "" {
		return nil, ErrEventNameRequired
	}

	e := &IntegrationEvent{
		id:          wire.ID,
		name:        wire.Name,
		data:        wire.Data,
		createdDate: wire.CreatedDate,
	}
	if e.id == "" {
		e.id = NewEventID()
	}
	if e.createdDate.IsZero() {
		e.createdDate = time.Now().UTC()
	}
	if len(e.data) == 0 {
		e.data = json.RawMessage("null")
	}
	return e, nil
}

// String implements fmt.Stringer
func (e *IntegrationEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.name, e.id)
}
