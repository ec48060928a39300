package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// ConnectionState is the broker connection state of one bus instance
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionStateListener receives connection state change notifications.
// Listeners are called from the reconnect goroutine in registration order.
type ConnectionStateListener interface {
	OnDisconnected(err error)
	OnReconnected()
}

// ConnectionManager owns the broker connection and reconnects it after loss
type ConnectionManager struct {
	url        string
	dial       Dialer
	conn       Connection
	mu         sync.Mutex
	state      atomic.Int32
	attempts   int
	baseDelay  time.Duration
	maxRetries int
	cooldown   time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	fatal     chan error
	fatalOnce sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithRetryBaseDelay sets the linear backoff unit between connection attempts
func WithRetryBaseDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.baseDelay = delay
	}
}

// WithMaxRetries sets how many failed attempts are retried before the failure is fatal
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithReconnectCooldown sets the pause between losing a connection and reconnecting
func WithReconnectCooldown(cooldown time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.cooldown = cooldown
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:        url,
		dial:       DialAMQP(30 * time.Second),
		baseDelay:  time.Second,
		maxRetries: 5,
		cooldown:   60 * time.Second,
		logger:     slog.Default(),
		fatal:      make(chan error, 1),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the connection unless it already exists. Failed dials are
// retried with linear backoff; once the retry ceiling is exceeded every call
// returns a fatal *ConnectionError (see IsFatal) and the error is sent on Fatal().
// Concurrent callers are serialized and share the outcome of a single dial loop.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if cm.IsConnected() {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connectLocked(ctx)
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}
	if cm.IsConnected() {
		return nil
	}
	if cm.attempts > cm.maxRetries {
		return cm.exhausted(nil)
	}

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if cm.attempts > cm.maxRetries {
			return 0, true
		}
		delay := time.Duration(cm.attempts) * cm.baseDelay
		cm.logger.Info("retrying RabbitMQ connection", "attempt", cm.attempts+1, "delay", delay)
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cm.logger.Info("connecting to RabbitMQ", "url", SanitizeURL(cm.url), "attempt", cm.attempts+1)

		conn, err := cm.dial(ctx, cm.url)
		if err != nil {
			cm.attempts++
			cm.logger.Error("failed to connect to RabbitMQ", "error", err, "attempt", cm.attempts)
			return retry.RetryableError(err)
		}

		cm.established(conn)
		return nil
	})
	if err == nil {
		return nil
	}
	if cm.attempts > cm.maxRetries {
		return cm.exhausted(err)
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  cm.attempts,
	}
}

// established records a fresh connection; cm.mu must be held
func (cm *ConnectionManager) established(conn Connection) {
	cm.conn = conn
	cm.attempts = 0
	cm.state.Store(int32(StateConnected))

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(conn, notifyClose)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
}

// exhausted builds the fatal error and publishes it once on Fatal()
func (cm *ConnectionManager) exhausted(last error) error {
	err := ErrMaxRetriesExceeded
	if last != nil {
		err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, last)
	}

	fatal := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  cm.attempts,
	}

	cm.fatalOnce.Do(func() {
		cm.logger.Error("RabbitMQ connection attempts exhausted", "attempts", cm.attempts, "error", last)
		cm.fatal <- fatal
	})
	return fatal
}

// watch waits for the connection to go away and drives the reconnect
func (cm *ConnectionManager) watch(conn Connection, notifyClose <-chan *amqp.Error) {
	var closeErr *amqp.Error
	select {
	case closeErr = <-notifyClose:
	case <-cm.ctx.Done():
		return
	}
	if cm.ctx.Err() != nil {
		return
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
		cm.state.Store(int32(StateDisconnected))
	}
	cm.mu.Unlock()

	var err error
	if closeErr != nil {
		err = closeErr
		cm.logger.Error("RabbitMQ connection error", "error", closeErr)
	} else {
		cm.logger.Warn("RabbitMQ connection closed")
	}

	cm.notifyDisconnected(err)
	cm.reconnect()
}

// reconnect waits out the cooldown, connects and notifies listeners on success
func (cm *ConnectionManager) reconnect() {
	cm.logger.Info("reconnecting to RabbitMQ", "cooldown", cm.cooldown)

	timer := time.NewTimer(cm.cooldown)
	select {
	case <-timer.C:
	case <-cm.ctx.Done():
		timer.Stop()
		return
	}

	if err := cm.Connect(cm.ctx); err != nil {
		if cm.ctx.Err() == nil {
			cm.logger.Error("failed to reconnect to RabbitMQ", "error", err, "fatal", IsFatal(err))
		}
		return
	}

	cm.logger.Info("reconnected to RabbitMQ")
	cm.notifyReconnected()
}

// Connection returns the current connection
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.IsConnected() || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	return ConnectionState(cm.state.Load())
}

// Fatal delivers the error that ended all connection attempts
func (cm *ConnectionManager) Fatal() <-chan error {
	return cm.fatal
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}
	cm.cancel()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.state.Store(int32(StateDisconnected))
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnected() {
	for _, listener := range cm.listeners() {
		listener.OnReconnected()
	}
}
