package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of an AMQP connection the manager depends on.
type Connection interface {
	// ConfirmChannel opens a new channel with publisher confirms enabled.
	ConfirmChannel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the part of a confirm channel exposed to wrappers and setup
// functions.
type Channel interface {
	// Publish sends msg and blocks until the broker confirms it.
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error

	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a connection to url. The returned connection must be closed by
// the dialer if ctx is done before it is handed back.
type Dialer func(ctx context.Context, url string, cfg amqp.Config) (Connection, error)

// DialAMQP is the default Dialer backed by amqp091-go.
func DialAMQP(ctx context.Context, url string, cfg amqp.Config) (Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}

	resChan := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(url, cfg)
		resChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resChan:
		if res.err != nil {
			return nil, res.err
		}
		return &amqpConnection{conn: res.conn}, nil
	case <-ctx.Done():
		// Don't leak a connection that completes after we gave up on it.
		go func() {
			if res := <-resChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) ConfirmChannel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }
func (c *amqpConnection) Close() error   { return c.conn.Close() }

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		// Not in confirm mode; nothing to wait for.
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

func (c *amqpChannel) Ack(tag uint64, multiple bool) error { return c.ch.Ack(tag, multiple) }

func (c *amqpChannel) Nack(tag uint64, multiple, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *amqpChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *amqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *amqpChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.ch.QueueBind(name, key, exchange, noWait, args)
}

func (c *amqpChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *amqpChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (c *amqpChannel) Cancel(consumer string, noWait bool) error {
	return c.ch.Cancel(consumer, noWait)
}

func (c *amqpChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(receiver)
}

func (c *amqpChannel) Close() error { return c.ch.Close() }
