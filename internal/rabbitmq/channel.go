package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelManager keeps the single channel of a bus instance and asserts the
// event exchange on it. Two callers racing EnsureChannel are serialized, so at
// most one channel exists per connection.
type ChannelManager struct {
	connections *ConnectionManager
	exchange    string
	confirm     bool
	prefetch    int
	logger      *slog.Logger

	mu       sync.Mutex
	ch       Channel
	conn     Connection
	opened   int
	recovery func()
}

// ChannelOption configures the ChannelManager
type ChannelOption func(*ChannelManager)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(m *ChannelManager) {
		m.logger = logger
	}
}

// WithPublisherConfirms puts new channels into confirm mode
func WithPublisherConfirms(enabled bool) ChannelOption {
	return func(m *ChannelManager) {
		m.confirm = enabled
	}
}

// WithPrefetch sets the channel QoS prefetch count, 0 leaves it unlimited
func WithPrefetch(count int) ChannelOption {
	return func(m *ChannelManager) {
		m.prefetch = count
	}
}

// NewChannelManager creates a channel manager and registers it for connection
// state changes
func NewChannelManager(connections *ConnectionManager, exchange string, options ...ChannelOption) *ChannelManager {
	m := &ChannelManager{
		connections: connections,
		exchange:    exchange,
		confirm:     true,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	connections.AddStateListener(m)
	return m
}

// Exchange returns the name of the asserted exchange
func (m *ChannelManager) Exchange() string {
	return m.exchange
}

// SetRecoveryHandler registers fn to run when the broker closes the channel
// while the connection stays up
func (m *ChannelManager) SetRecoveryHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = fn
}

// EnsureChannel connects if needed and returns the channel, creating it and
// declaring the durable topic exchange the first time
func (m *ChannelManager) EnsureChannel(ctx context.Context) (Channel, error) {
	if err := m.connections.Connect(ctx); err != nil {
		return nil, err
	}

	conn, err := m.connections.Connection()
	if err != nil {
		return nil, &ChannelError{Op: "ensure channel", Err: err, Timestamp: time.Now()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch != nil && m.conn == conn && !m.ch.IsClosed() {
		return m.ch, nil
	}
	m.ch, m.conn = nil, nil

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := m.setup(ch); err != nil {
		ch.Close()
		return nil, err
	}

	m.ch, m.conn = ch, conn
	m.opened++

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go m.watch(conn, ch, closed, returns)

	m.logger.Info("RabbitMQ channel opened", "exchange", m.exchange, "confirm", m.confirm)
	return ch, nil
}

func (m *ChannelManager) setup(ch Channel) error {
	if m.confirm {
		if err := ch.Confirm(false); err != nil {
			return &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
	}
	if m.prefetch > 0 {
		if err := ch.Qos(m.prefetch, 0, false); err != nil {
			return &ChannelError{Op: "set qos", Err: err, Timestamp: time.Now()}
		}
	}
	return DeclareExchange(ch, ExchangeDeclaration{
		Name:    m.exchange,
		Type:    ExchangeTopic,
		Durable: true,
	})
}

// watch logs returned messages and forgets the channel once it closes
func (m *ChannelManager) watch(conn Connection, ch Channel, closed <-chan *amqp.Error, returns <-chan amqp.Return) {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			m.logger.Warn("broker returned unroutable message",
				"exchange", ret.Exchange,
				"routingKey", ret.RoutingKey,
				"messageId", ret.MessageId,
				"reason", ret.ReplyText,
			)

		case err := <-closed:
			m.mu.Lock()
			current := m.ch == ch
			if current {
				m.ch, m.conn = nil, nil
			}
			recovery := m.recovery
			m.mu.Unlock()

			// connection loss is handled by the ConnectionManager
			if err == nil || !current || conn.IsClosed() || !m.connections.IsConnected() {
				return
			}

			m.logger.Warn("RabbitMQ channel closed by broker", "error", err)
			if recovery != nil {
				recovery()
			}
			return
		}
	}
}

// Opened returns how many channels this manager has created
func (m *ChannelManager) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// OnDisconnected implements ConnectionStateListener
func (m *ChannelManager) OnDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ch, m.conn = nil, nil
}

// OnReconnected implements ConnectionStateListener. The channel is recreated
// lazily by the next EnsureChannel.
func (m *ChannelManager) OnReconnected() {}

// Close closes the current channel
func (m *ChannelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ch == nil {
		return nil
	}
	err := m.ch.Close()
	m.ch, m.conn = nil, nil
	return err
}
