package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errDial = errors.New("dial tcp: connection refused")

// fakeDialer hands out fakeConnections. The first failFirst calls fail, and
// every call fails while err is set.
type fakeDialer struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	err       error
	gate      chan struct{}
	conns     []*fakeConnection
	urls      []string
	configs   []amqp.Config
}

func (d *fakeDialer) Dial(ctx context.Context, url string, cfg amqp.Config) (Connection, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	failFirst, alwaysErr, gate := d.failFirst, d.err, d.gate
	d.urls = append(d.urls, url)
	d.configs = append(d.configs, cfg)
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if alwaysErr != nil {
		return nil, alwaysErr
	}
	if n <= failFirst {
		return nil, fmt.Errorf("attempt %d: %w", n, errDial)
	}

	conn := newFakeConnection()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conns() []*fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConnection(nil), d.conns...)
}

func (d *fakeDialer) LastConn() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConnection struct {
	mu             sync.Mutex
	closed         bool
	closeReceivers []chan *amqp.Error
	blockReceivers []chan amqp.Blocking
	channelErr     error
	channels       []*fakeChannel
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{}
}

func (c *fakeConnection) ConfirmChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeReceivers = append(c.closeReceivers, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockReceivers = append(c.blockReceivers, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is a clean client-side close: receivers are closed without an error.
func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// Fail simulates the broker dropping the connection.
func (c *fakeConnection) Fail(err *amqp.Error) {
	_ = c.shutdown(err)
}

func (c *fakeConnection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	closeReceivers, blockReceivers := c.closeReceivers, c.blockReceivers
	channels := append([]*fakeChannel(nil), c.channels...)
	c.closeReceivers, c.blockReceivers = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, r := range closeReceivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	for _, r := range blockReceivers {
		close(r)
	}
	return nil
}

func (c *fakeConnection) Block(reason string) {
	for _, r := range c.blockReceiversSnapshot() {
		r <- amqp.Blocking{Active: true, Reason: reason}
	}
}

func (c *fakeConnection) Unblock() {
	for _, r := range c.blockReceiversSnapshot() {
		r <- amqp.Blocking{Active: false}
	}
}

func (c *fakeConnection) blockReceiversSnapshot() []chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chan amqp.Blocking(nil), c.blockReceivers...)
}

func (c *fakeConnection) Channels() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeChannel(nil), c.channels...)
}

func (c *fakeConnection) SetChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErr = err
}

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type ackCall struct {
	Tag      uint64
	Multiple bool
	Nack     bool
	Requeue  bool
}

type fakeChannel struct {
	mu             sync.Mutex
	closed         bool
	closeReceivers []chan *amqp.Error
	publishErr     error
	published      []publishedMessage
	acks           []ackCall
	declared       []string
	qos            int
	deliveries     chan amqp.Delivery
	consumers      []string
	cancelled      []string
	deliveriesDone bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})
	return ctx.Err()
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, ackCall{Tag: tag, Multiple: multiple})
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, ackCall{Tag: tag, Multiple: multiple, Nack: true, Requeue: requeue})
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "exchange:"+name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "queue:"+name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, "bind:"+name+"->"+exchange+"/"+key)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.deliveries == nil {
		c.deliveries = make(chan amqp.Delivery, 16)
	}
	c.consumers = append(c.consumers, queue+"/"+consumer)
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	c.closeDeliveriesLocked()
	return nil
}

func (c *fakeChannel) closeDeliveriesLocked() {
	if c.deliveries != nil && !c.deliveriesDone {
		c.deliveriesDone = true
		close(c.deliveries)
	}
}

// Deliver pushes a message to the channel's consumer.
func (c *fakeChannel) Deliver(d amqp.Delivery) {
	c.mu.Lock()
	ch := c.deliveries
	c.mu.Unlock()
	ch <- d
}

func (c *fakeChannel) Consumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.consumers...)
}

func (c *fakeChannel) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeReceivers = append(c.closeReceivers, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// Fail simulates a broker-side channel exception.
func (c *fakeChannel) Fail(err *amqp.Error) {
	c.shutdown(err)
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers := c.closeReceivers
	c.closeReceivers = nil
	c.closeDeliveriesLocked()
	c.mu.Unlock()

	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Published() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func (c *fakeChannel) Acks() []ackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ackCall(nil), c.acks...)
}

func (c *fakeChannel) Declared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

func (c *fakeChannel) SetPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// recordingListener tracks connection events in order.
type recordingListener struct {
	mu       sync.Mutex
	events   []string
	attempts []int
	errs     []error
	closes   []error
	reasons  []string
	conns    []Connection
}

func (l *recordingListener) OnConnect(conn Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "connect")
	l.conns = append(l.conns, conn)
}

func (l *recordingListener) OnDisconnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "disconnect")
	l.closes = append(l.closes, err)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "error")
	l.errs = append(l.errs, err)
}

func (l *recordingListener) OnReconnect(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "reconnect")
	l.attempts = append(l.attempts, attempt)
}

func (l *recordingListener) OnBlocked(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "blocked")
	l.reasons = append(l.reasons, reason)
}

func (l *recordingListener) OnUnblocked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "unblocked")
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) Attempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.attempts...)
}

func (l *recordingListener) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) Closes() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.closes...)
}

func (l *recordingListener) Count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

// recordingChannelListener tracks wrapper events.
type recordingChannelListener struct {
	mu      sync.Mutex
	creates int
	closes  int
	errs    []error
}

func (l *recordingChannelListener) OnCreate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
}

func (l *recordingChannelListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingChannelListener) OnClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
}

func (l *recordingChannelListener) Stats() (creates, closes int, errs []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creates, l.closes, append([]error(nil), l.errs...)
}
