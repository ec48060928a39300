package metrics

import "sync"

// Memory keeps measurements in memory. It is useful in tests and for
// services that export through their own means.
type Memory struct {
	mu sync.RWMutex

	published   map[string]int64
	failed      map[string]int64
	settled     map[string]map[string]int64
	dropped     map[string]map[string]int64
	reconnected int64
}

// NewMemory creates an empty in-memory recorder
func NewMemory() *Memory {
	return &Memory{
		published: make(map[string]int64),
		failed:    make(map[string]int64),
		settled:   make(map[string]map[string]int64),
		dropped:   make(map[string]map[string]int64),
	}
}

// EventPublished implements Recorder
func (m *Memory) EventPublished(eventName string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.published[eventName]++
	} else {
		m.failed[eventName]++
	}
}

// DeliverySettled implements Recorder
func (m *Memory) DeliverySettled(eventName string, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	increment(m.settled, eventName, action)
}

// DeliveryDropped implements Recorder
func (m *Memory) DeliveryDropped(eventName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	increment(m.dropped, eventName, reason)
}

// Reconnected implements Recorder
func (m *Memory) Reconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnected++
}

func increment(counters map[string]map[string]int64, eventName, label string) {
	byLabel, exists := counters[eventName]
	if !exists {
		byLabel = make(map[string]int64)
		counters[eventName] = byLabel
	}
	byLabel[label]++
}

// Published returns the number of accepted and failed publishes of eventName
func (m *Memory) Published(eventName string) (ok, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published[eventName], m.failed[eventName]
}

// Settled returns how often deliveries of eventName were settled with action
func (m *Memory) Settled(eventName, action string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settled[eventName][action]
}

// Dropped returns how often deliveries of eventName were dropped for reason
func (m *Memory) Dropped(eventName, reason string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped[eventName][reason]
}

// Reconnects returns the number of reconnects
func (m *Memory) Reconnects() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnected
}

// Reset clears all measurements
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make(map[string]int64)
	m.failed = make(map[string]int64)
	m.settled = make(map[string]map[string]int64)
	m.dropped = make(map[string]map[string]int64)
	m.reconnected = 0
}

var _ Recorder = (*Memory)(nil)
