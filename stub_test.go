package mmate

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type stubChannel struct {
	mu        sync.Mutex
	published []string
	declared  []string
}

func (c *stubChannel) Publish(_ context.Context, exchange, key string, _ amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, exchange+"/"+key)
	return nil
}

func (c *stubChannel) Ack(uint64, bool) error        { return nil }
func (c *stubChannel) Nack(uint64, bool, bool) error { return nil }

func (c *stubChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return nil
}

func (c *stubChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *stubChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }
func (c *stubChannel) Qos(int, int, bool) error                                 { return nil }

func (c *stubChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}

func (c *stubChannel) Cancel(string, bool) error                      { return nil }
func (c *stubChannel) NotifyClose(r chan *amqp.Error) chan *amqp.Error { return r }
func (c *stubChannel) Close() error                                    { return nil }

func (c *stubChannel) Published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

func (c *stubChannel) Declared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

type stubConn struct {
	mu       sync.Mutex
	closed   bool
	channels []*stubChannel
}

func (c *stubConn) ConfirmChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &stubChannel{}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *stubConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error       { return r }
func (c *stubConn) NotifyBlocked(r chan amqp.Blocking) chan amqp.Blocking { return r }

func (c *stubConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) Channel(i int) *stubChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[i]
}

func (c *stubConn) dial(context.Context, string, amqp.Config) (Connection, error) {
	return c, nil
}
