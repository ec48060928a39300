// Package rabbitmqtest provides an in-memory topic broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel interfaces for tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrInjectedDial is returned by Dial while dial failures are pending
	ErrInjectedDial = errors.New("rabbitmqtest: injected dial failure")
	// ErrInjectedPublish is returned by Publish while publish failures are pending
	ErrInjectedPublish = errors.New("rabbitmqtest: injected publish failure")
)

// Message is a published message as held by one queue
type Message struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
	Deliveries int
}

// Exchange records a declared exchange
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

type binding struct {
	exchange string
	key      string
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	bindings  map[binding]bool
	ready     []*Message
	consumers []*consumer
	next      int
}

type consumer struct {
	ch      *Channel
	tag     string
	autoAck bool
	out     chan amqp.Delivery
}

type inflight struct {
	q   *queue
	msg *Message
}

// Broker is a single-node in-memory broker
type Broker struct {
	mu sync.Mutex

	exchanges map[string]Exchange
	queues    map[string]*queue
	conns     []*Conn

	dialFailures    int
	publishFailures int
	dialDelay       time.Duration

	dials     int
	published int
	acked     []Message
	requeued  []Message
	rejected  []Message
	returned  []amqp.Publishing
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]Exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context, url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	b.dials++
	delay := b.dialDelay
	fail := b.dialFailures > 0
	if fail {
		b.dialFailures--
	}
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrInjectedDial
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = n
}

// SetDialDelay makes every dial take d
func (b *Broker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// FailPublishes makes the next n publishes fail
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFailures = n
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns the number of accepted publishes
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// OpenChannels returns the number of open channels across connections
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

// Exchange returns a declared exchange
func (b *Broker) Exchange(name string) (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

// QueueArgs returns the arguments a queue was declared with
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bindings returns the sorted routing keys bound to queue
func (b *Broker) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	var keys []string
	for bind := range q.bindings {
		keys = append(keys, bind.key)
	}
	sort.Strings(keys)
	return keys
}

// Ready returns the number of messages waiting in queue
func (b *Broker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// Acked returns copies of acknowledged messages
func (b *Broker) Acked() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.acked...)
}

// Requeued returns copies of messages nacked with requeue
func (b *Broker) Requeued() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.requeued...)
}

// Rejected returns copies of messages nacked without requeue
func (b *Broker) Rejected() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.rejected...)
}

// Returned returns unroutable mandatory publishes
func (b *Broker) Returned() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.returned...)
}

// CloseConnections simulates the broker closing every open connection
func (b *Broker) CloseConnections(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := &amqp.Error{Code: code, Reason: reason, Server: true, Recover: true}
	for _, c := range b.conns {
		if !c.closed {
			c.shutdownLocked(err)
		}
	}
}

// CloseChannels simulates a channel-level exception on every open channel
func (b *Broker) CloseChannels(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	for _, c := range b.conns {
		for _, ch := range c.channels {
			if !ch.closed {
				ch.shutdownLocked(err)
			}
		}
	}
}

// route delivers a publish to every queue bound to exchange with a matching key
func (b *Broker) routeLocked(exchange, key string, msg amqp.Publishing) int {
	routed := 0
	for _, q := range b.queues {
		for bind := range q.bindings {
			if bind.exchange == exchange && TopicMatch(bind.key, key) {
				q.ready = append(q.ready, &Message{Exchange: exchange, RoutingKey: key, Publishing: msg})
				routed++
				b.pumpLocked(q)
				break
			}
		}
	}
	return routed
}

// pumpLocked hands ready messages to consumers round-robin
func (b *Broker) pumpLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		msg := q.ready[0]
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		msg.Deliveries++
		c.ch.nextTag++
		delivery := newDelivery(q, c, msg)

		select {
		case c.out <- delivery:
			q.ready = q.ready[1:]
			if !c.autoAck {
				c.ch.unacked[delivery.DeliveryTag] = &inflight{q: q, msg: msg}
			}
		default:
			msg.Deliveries--
			return
		}
	}
}

func newDelivery(q *queue, c *consumer, msg *Message) amqp.Delivery {
	headers := amqp.Table{}
	for k, v := range msg.Publishing.Headers {
		headers[k] = v
	}
	if q.args["x-queue-type"] == "quorum" && msg.Deliveries > 1 {
		headers["x-delivery-count"] = int64(msg.Deliveries - 1)
	}

	return amqp.Delivery{
		Acknowledger: c.ch,
		Headers:      headers,
		ContentType:  msg.Publishing.ContentType,
		DeliveryMode: msg.Publishing.DeliveryMode,
		MessageId:    msg.Publishing.MessageId,
		Timestamp:    msg.Publishing.Timestamp,
		Type:         msg.Publishing.Type,
		ConsumerTag:  c.tag,
		DeliveryTag:  c.ch.nextTag,
		Redelivered:  msg.Deliveries > 1,
		Exchange:     msg.Exchange,
		RoutingKey:   msg.RoutingKey,
		Body:         msg.Publishing.Body,
	}
}

// TopicMatch reports whether key matches a topic binding pattern where '*'
// matches one word and '#' matches zero or more words
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// Conn is an in-memory connection
type Conn struct {
	broker   *Broker
	closed   bool
	closes   []chan *amqp.Error
	channels []*Channel
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:  c.broker,
		conn:    c,
		unacked: make(map[uint64]*inflight),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

func (c *Conn) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(err)
		}
	}
	for _, l := range c.closes {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	c.closes = nil
}

// Channel is an in-memory channel. It is also the amqp.Acknowledger of the
// deliveries it hands out.
type Channel struct {
	broker   *Broker
	conn     *Conn
	closed   bool
	confirm  bool
	prefetch int
	nextTag  uint64
	unacked  map[uint64]*inflight
	closes   []chan *amqp.Error
	returns  []chan amqp.Return
}

func (ch *Channel) shutdownLocked(err *amqp.Error) {
	ch.closed = true

	touched := make(map[*queue]bool)
	for _, q := range ch.broker.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch == ch {
				close(c.out)
				touched[q] = true
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		in := ch.unacked[tag]
		in.q.ready = append([]*Message{in.msg}, in.q.ready...)
		touched[in.q] = true
	}
	ch.unacked = make(map[uint64]*inflight)

	for _, l := range ch.closes {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	ch.closes = nil
	for _, r := range ch.returns {
		close(r)
	}
	ch.returns = nil

	for q := range touched {
		ch.broker.pumpLocked(q)
	}
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := ch.broker.exchanges[name]; ok && (existing.Kind != kind || existing.Durable != durable) {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("inequivalent arg for exchange '%s'", name)}
	}
	ch.broker.exchanges[name] = Exchange{Name: name, Kind: kind, Durable: durable}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, args: args, bindings: make(map[binding]bool)}
		ch.broker.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", name)}
	}
	if _, ok := ch.broker.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchange)}
	}
	q.bindings[binding{exchange: exchange, key: key}] = true
	return nil
}

// QueueUnbind implements rabbitmq.Channel
func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if q, ok := ch.broker.queues[name]; ok {
		delete(q.bindings, binding{exchange: exchange, key: key})
	}
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no queue '%s'", queueName)}
	}

	c := &consumer{ch: ch, tag: tag, autoAck: autoAck, out: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.broker.pumpLocked(q)
	return c.out, nil
}

// Publish implements rabbitmq.Channel
func (ch *Channel) Publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.broker.publishFailures > 0 {
		ch.broker.publishFailures--
		return ErrInjectedPublish
	}
	if _, ok := ch.broker.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("no exchange '%s'", exchange)}
	}

	ch.broker.published++
	if ch.broker.routeLocked(exchange, key, msg) == 0 && mandatory {
		ch.broker.returned = append(ch.broker.returned, msg)
		ret := amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
			Body:       msg.Body,
		}
		for _, r := range ch.returns {
			select {
			case r <- ret:
			default:
			}
		}
	}
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closes = append(ch.closes, receiver)
	return receiver
}

// NotifyReturn implements rabbitmq.Channel
func (ch *Channel) NotifyReturn(receiver chan amqp.Return) chan amqp.Return {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.returns = append(ch.returns, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	in, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	ch.broker.acked = append(ch.broker.acked, *in.msg)
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	in, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	if requeue {
		ch.broker.requeued = append(ch.broker.requeued, *in.msg)
		in.q.ready = append([]*Message{in.msg}, in.q.ready...)
		ch.broker.pumpLocked(in.q)
		return nil
	}

	ch.broker.rejected = append(ch.broker.rejected, *in.msg)
	if dlx, ok := in.q.args["x-dead-letter-exchange"].(string); ok && dlx != "" {
		ch.broker.routeLocked(dlx, in.msg.RoutingKey, in.msg.Publishing)
	}
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settleLocked(tag uint64) (*inflight, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	in, ok := ch.unacked[tag]
	if !ok {
		return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	return in, nil
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
