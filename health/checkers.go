package health

import (
	"context"
	"time"
)

// ConnectionState is implemented by *eventbus.Bus
type ConnectionState interface {
	IsConnected() bool
}

// ConnectionChecker reports whether the bus holds a broker connection
type ConnectionChecker struct {
	state ConnectionState
}

// NewConnectionChecker creates a checker for state
func NewConnectionChecker(state ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{state: state}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.state.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	}

	result.Duration = time.Since(start)
	return result
}

// FatalChecker turns unhealthy once the bus gave up connecting. Errors are
// read from the bus Fatal channel, so nothing else should drain it.
type FatalChecker struct {
	fatal <-chan error
	err   error
	done  chan struct{}
}

// NewFatalChecker watches fatal until ctx ends
func NewFatalChecker(ctx context.Context, fatal <-chan error) *FatalChecker {
	c := &FatalChecker{fatal: fatal, done: make(chan struct{})}
	go c.watch(ctx)
	return c
}

func (c *FatalChecker) watch(ctx context.Context) {
	select {
	case err := <-c.fatal:
		c.err = err
		close(c.done)
	case <-ctx.Done():
	}
}

// Err returns the fatal error once one was received
func (c *FatalChecker) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done is closed when a fatal error was received
func (c *FatalChecker) Done() <-chan struct{} {
	return c.done
}

func (c *FatalChecker) Name() string {
	return "connection_retries"
}

func (c *FatalChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Connection retries not exhausted",
		Timestamp: time.Now(),
	}
	if err := c.Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Gave up connecting to RabbitMQ"
		result.Error = err.Error()
	}
	return result
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a named checker from fn
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	result := c.fn(ctx)
	result.Name = c.name
	return result
}

func (c *CheckerFunc) Name() string {
	return c.name
}
