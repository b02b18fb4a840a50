package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks on success and requeues on error.
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual leaves acknowledgment to the handler.
	AckManual
)

// Consumer consumes a queue through a ChannelWrapper and subscribes again on
// every channel the wrapper creates, so consumption survives reconnects.
type Consumer struct {
	wrapper        *ChannelWrapper
	queue          string
	handler        MessageHandler
	consumerTag    string
	exclusive      bool
	autoAck        bool
	strategy       AcknowledgmentStrategy
	handlerTimeout time.Duration
	logger         *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	consumingOn Channel
	wg          sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithAutoAck lets the broker consider messages acknowledged on delivery.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.consumerTag = tag
		}
	}
}

// WithAckStrategy sets how handler results turn into acks.
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithHandlerTimeout bounds each handler call.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// NewConsumer creates a consumer for queue on wrapper. Prefetch and the queue
// itself belong in the wrapper's setup, for example with DeclareTopology.
func NewConsumer(wrapper *ChannelWrapper, queue string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		wrapper:        wrapper,
		queue:          queue,
		handler:        handler,
		consumerTag:    "mmate-" + uuid.New().String(),
		strategy:       AckOnSuccess,
		handlerTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(c)
	}

	c.logger = wrapper.logger.With(
		zap.String("queue", queue),
		zap.String("consumer_tag", c.consumerTag))

	return c
}

// Start begins consuming and keeps doing so across reconnects until ctx is
// done, Stop is called or the wrapper is closed.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	if c.wrapper.State() == ChannelStateClosed {
		c.mu.Unlock()
		return ErrChannelWrapperClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wrapper.AddListener(c)

	if ch := c.wrapper.CurrentChannel(); ch != nil {
		c.consume(ch)
	}
	return nil
}

// Stop cancels the broker subscription and waits for in-flight handlers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, ch := c.cancel, c.consumingOn
	c.consumingOn = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if ch != nil {
		if err := ch.Cancel(c.consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("failed to cancel consumer", zap.Error(err))
		}
	}
	cancel()
	c.wg.Wait()
}

// OnCreate subscribes on the wrapper's new channel.
func (c *Consumer) OnCreate() {
	if ch := c.wrapper.CurrentChannel(); ch != nil {
		c.consume(ch)
	}
}

func (c *Consumer) OnError(error) {}

// OnClose stops the consumer along with its wrapper.
func (c *Consumer) OnClose() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Consumer) consume(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil || c.consumingOn == ch {
		return
	}

	deliveries, err := ch.Consume(c.queue, c.consumerTag, c.autoAck, c.exclusive, false, false, nil)
	if err != nil {
		// The channel is going away; the next OnCreate retries.
		c.logger.Error("failed to start consuming", zap.Error(&ChannelError{
			Op:        "consume",
			ChannelID: c.wrapper.ID(),
			Err:       err,
			Timestamp: time.Now(),
		}))
		return
	}
	c.consumingOn = ch

	c.wg.Add(1)
	go c.processMessages(c.ctx, ch, deliveries)

	c.logger.Info("subscribed to queue")
}

// processMessages handles deliveries from one channel until it closes.
func (c *Consumer) processMessages(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.consumingOn == ch {
			c.consumingOn = nil
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Info("delivery channel closed")
				return
			}

			if err := c.handleMessage(ctx, ch, delivery); err != nil {
				c.logger.Error("failed to handle message",
					zap.Error(err),
					zap.String("message_id", delivery.MessageId))
			}
		}
	}
}

// handleMessage runs the handler and acknowledges on ch, the channel the
// delivery arrived on: delivery tags are only valid there.
func (c *Consumer) handleMessage(ctx context.Context, ch Channel, delivery amqp.Delivery) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := c.handler(msgCtx, delivery)

	if c.autoAck || c.strategy == AckManual {
		return err
	}

	var ackErr error
	if err != nil && c.strategy == AckOnSuccess {
		ackErr = ch.Nack(delivery.DeliveryTag, false, true)
	} else {
		ackErr = ch.Ack(delivery.DeliveryTag, false)
	}
	if ackErr != nil {
		c.logger.Error("failed to acknowledge message",
			zap.Error(ackErr),
			zap.NamedError("handler_error", err))
	}
	return err
}
