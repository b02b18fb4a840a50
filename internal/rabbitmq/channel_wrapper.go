package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/glimte/mmate-reconnect/internal/rabbitmq"

// SetupFunc prepares a freshly created channel, typically by declaring
// exchanges, queues and bindings. It runs again on every new channel, so it
// must be idempotent.
type SetupFunc func(ctx context.Context, ch Channel) error

// ChannelState is the lifecycle state of a ChannelWrapper.
type ChannelState int32

const (
	ChannelStateNoChannel ChannelState = iota
	ChannelStateCreating
	ChannelStateReady
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateNoChannel:
		return "no_channel"
	case ChannelStateCreating:
		return "creating"
	case ChannelStateReady:
		return "ready"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelWrapper keeps a confirm channel alive across reconnects. Every time
// the manager connects, the wrapper opens a new channel, runs its setup
// functions against it and only then makes it current.
type ChannelWrapper struct {
	id              string
	name            string
	manager         *ConnectionManager
	setup           []SetupFunc
	concurrentSetup bool
	logger          *zap.Logger
	metrics         *Metrics
	tracer          trace.Tracer

	mu           sync.RWMutex
	current      Channel
	state        ChannelState
	generation   uint64
	closed       bool
	stateChanged chan struct{}

	listenersMu sync.RWMutex
	listeners   []ChannelListener

	// emitMu orders OnCreate before OnClose for a channel installed just
	// before Close.
	emitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// ChannelOption configures a ChannelWrapper
type ChannelOption func(*ChannelWrapper)

// WithSetup appends setup functions. They run in the order given.
func WithSetup(fns ...SetupFunc) ChannelOption {
	return func(cw *ChannelWrapper) {
		for _, fn := range fns {
			if fn != nil {
				cw.setup = append(cw.setup, fn)
			}
		}
	}
}

// WithConcurrentSetup runs the setup functions concurrently instead of one
// after the other. The first failure cancels the rest.
func WithConcurrentSetup() ChannelOption {
	return func(cw *ChannelWrapper) {
		cw.concurrentSetup = true
	}
}

// WithChannelListener subscribes l to the wrapper's events.
func WithChannelListener(l ChannelListener) ChannelOption {
	return func(cw *ChannelWrapper) {
		cw.listeners = append(cw.listeners, l)
	}
}

// WithName labels the wrapper in logs.
func WithName(name string) ChannelOption {
	return func(cw *ChannelWrapper) {
		cw.name = name
	}
}

func newChannelWrapper(cm *ConnectionManager, options ...ChannelOption) *ChannelWrapper {
	cw := &ChannelWrapper{
		id:           uuid.New().String(),
		manager:      cm,
		metrics:      cm.metrics,
		tracer:       otel.Tracer(tracerName),
		stateChanged: make(chan struct{}),
	}

	for _, opt := range options {
		opt(cw)
	}

	fields := []zap.Field{zap.String("channel_id", cw.id)}
	if cw.name != "" {
		fields = append(fields, zap.String("channel", cw.name))
	}
	cw.logger = cm.logger.With(fields...)
	cw.ctx, cw.cancel = context.WithCancel(cm.ctx)

	return cw
}

// ID returns the wrapper's unique identifier.
func (cw *ChannelWrapper) ID() string { return cw.id }

// Name returns the label set with WithName.
func (cw *ChannelWrapper) Name() string { return cw.name }

// CurrentChannel returns the live, fully set up channel, or nil.
func (cw *ChannelWrapper) CurrentChannel() Channel {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// State returns the wrapper's lifecycle state.
func (cw *ChannelWrapper) State() ChannelState {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.state
}

// WaitForChannel blocks until a channel is ready, the wrapper is closed or ctx
// is done.
func (cw *ChannelWrapper) WaitForChannel(ctx context.Context) error {
	for {
		cw.mu.RLock()
		state, changed := cw.state, cw.stateChanged
		cw.mu.RUnlock()

		switch state {
		case ChannelStateReady:
			return nil
		case ChannelStateClosed:
			return ErrChannelWrapperClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddListener subscribes l to the wrapper's events.
func (cw *ChannelWrapper) AddListener(l ChannelListener) {
	cw.listenersMu.Lock()
	defer cw.listenersMu.Unlock()
	cw.listeners = append(cw.listeners, l)
}

// Publish sends msg to exchange and waits for the broker to confirm it. It
// fails immediately with ErrNoChannel when no channel is ready.
func (cw *ChannelWrapper) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ctx, span := cw.tracer.Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.Int("messaging.message.body.size", len(msg.Body)),
		))
	defer span.End()

	ch, err := cw.channel()
	if err != nil {
		cw.metrics.observePublish("no_channel", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	start := time.Now()
	if err := ch.Publish(ctx, exchange, routingKey, msg); err != nil {
		cw.metrics.observePublish("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	cw.metrics.observePublish("ok", time.Since(start))
	return nil
}

// SendToQueue publishes msg straight to queue through the default exchange.
func (cw *ChannelWrapper) SendToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return cw.Publish(ctx, "", queue, msg)
}

// Ack acknowledges d, and every earlier delivery when multiple is set. Without
// a channel it does nothing: the broker requeues unacknowledged deliveries of a
// closed channel anyway.
func (cw *ChannelWrapper) Ack(d amqp.Delivery, multiple bool) error {
	ch := cw.CurrentChannel()
	if ch == nil {
		return nil
	}
	return ch.Ack(d.DeliveryTag, multiple)
}

// AckAll acknowledges every outstanding delivery on the current channel.
func (cw *ChannelWrapper) AckAll() error {
	ch := cw.CurrentChannel()
	if ch == nil {
		return nil
	}
	return ch.Ack(0, true)
}

// Nack rejects d, and every earlier delivery when multiple is set.
func (cw *ChannelWrapper) Nack(d amqp.Delivery, multiple, requeue bool) error {
	ch := cw.CurrentChannel()
	if ch == nil {
		return nil
	}
	return ch.Nack(d.DeliveryTag, multiple, requeue)
}

// NackAll rejects every outstanding delivery on the current channel.
func (cw *ChannelWrapper) NackAll(requeue bool) error {
	ch := cw.CurrentChannel()
	if ch == nil {
		return nil
	}
	return ch.Nack(0, true, requeue)
}

// Close tears the wrapper down for good and deregisters it from its manager.
func (cw *ChannelWrapper) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	cw.generation++
	ch := cw.current
	cw.current = nil
	cw.setStateLocked(ChannelStateClosed)
	cw.mu.Unlock()

	cw.cancel()

	var err error
	if ch != nil {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = &ChannelError{
				Op:        "close",
				ChannelID: cw.id,
				Err:       cerr,
				Timestamp: time.Now(),
			}
		}
	}

	cw.manager.removeChannel(cw)
	cw.logger.Info("channel wrapper closed")

	cw.emitMu.Lock()
	defer cw.emitMu.Unlock()
	for _, l := range cw.snapshotListeners() {
		l.OnClose()
	}
	return err
}

// markClosed closes a wrapper that was never registered.
func (cw *ChannelWrapper) markClosed() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.closed = true
	cw.setStateLocked(ChannelStateClosed)
	cw.cancel()
}

func (cw *ChannelWrapper) channel() (Channel, error) {
	cw.mu.RLock()
	defer cw.mu.RUnlock()

	if cw.closed {
		return nil, ErrChannelWrapperClosed
	}
	if cw.current == nil {
		return nil, ErrNoChannel
	}
	return cw.current, nil
}

// onConnect starts building a channel on conn. Any channel still being built
// for an earlier connection is discarded when it finishes.
func (cw *ChannelWrapper) onConnect(conn Connection) {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return
	}
	cw.generation++
	gen := cw.generation
	cw.current = nil
	cw.setStateLocked(ChannelStateCreating)
	cw.mu.Unlock()

	go cw.createChannel(conn, gen)
}

func (cw *ChannelWrapper) onDisconnect() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return
	}
	cw.generation++
	cw.current = nil
	cw.setStateLocked(ChannelStateNoChannel)
}

// onChannelClose drops ch if it is still the current channel. A close from a
// channel that was already replaced is ignored.
func (cw *ChannelWrapper) onChannelClose(ch Channel, err error) {
	cw.mu.Lock()
	if cw.current != ch {
		cw.mu.Unlock()
		cw.logger.Debug("ignoring close of superseded channel", zap.Error(err))
		return
	}
	cw.current = nil
	cw.setStateLocked(ChannelStateNoChannel)
	cw.mu.Unlock()

	if err != nil {
		cw.logger.Warn("channel closed", zap.Error(err))
	} else {
		cw.logger.Info("channel closed")
	}
}

func (cw *ChannelWrapper) createChannel(conn Connection, gen uint64) {
	ch, err := conn.ConfirmChannel()
	if err != nil {
		cw.fail(gen, &ChannelError{
			Op:        "create channel",
			ChannelID: cw.id,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		})
		return
	}

	// Subscribe before setup so a close during setup is not missed.
	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := cw.runSetup(ch); err != nil {
		_ = ch.Close()
		cw.fail(gen, &ChannelError{
			Op:        "setup",
			ChannelID: cw.id,
			Err:       fmt.Errorf("%w: %w", ErrChannelSetupFailed, err),
			Timestamp: time.Now(),
		})
		return
	}

	cw.emitMu.Lock()
	defer cw.emitMu.Unlock()

	cw.mu.Lock()
	if cw.closed || cw.generation != gen {
		cw.mu.Unlock()
		cw.logger.Debug("discarding channel superseded during setup")
		_ = ch.Close()
		return
	}
	cw.current = ch
	cw.setStateLocked(ChannelStateReady)
	cw.mu.Unlock()

	go cw.watchChannel(ch, notifyClose)

	cw.logger.Info("channel created", zap.Int("setup_functions", len(cw.setup)))
	cw.metrics.observeChannelCreate()
	for _, l := range cw.snapshotListeners() {
		l.OnCreate()
	}
}

func (cw *ChannelWrapper) runSetup(ch Channel) error {
	if !cw.concurrentSetup {
		for i, fn := range cw.setup {
			if err := fn(cw.ctx, ch); err != nil {
				return fmt.Errorf("setup function %d: %w", i, err)
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(cw.ctx)
	for i, fn := range cw.setup {
		g.Go(func() error {
			if err := fn(ctx, ch); err != nil {
				return fmt.Errorf("setup function %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (cw *ChannelWrapper) watchChannel(ch Channel, notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cw.onChannelClose(ch, err)
	case <-cw.ctx.Done():
	}
}

// fail reports a creation failure for generation gen. Failures of a
// superseded attempt are only logged.
func (cw *ChannelWrapper) fail(gen uint64, err error) {
	cw.mu.Lock()
	stale := cw.closed || cw.generation != gen
	if !stale {
		cw.current = nil
		cw.setStateLocked(ChannelStateNoChannel)
	}
	cw.mu.Unlock()

	if stale {
		cw.logger.Debug("ignoring failure of superseded channel", zap.Error(err))
		return
	}

	cw.logger.Error("failed to create channel", zap.Error(err))
	cw.metrics.observeChannelError()
	for _, l := range cw.snapshotListeners() {
		l.OnError(err)
	}
}

// setStateLocked must be called with mu held.
func (cw *ChannelWrapper) setStateLocked(state ChannelState) {
	cw.state = state
	close(cw.stateChanged)
	cw.stateChanged = make(chan struct{})
}

func (cw *ChannelWrapper) snapshotListeners() []ChannelListener {
	cw.listenersMu.RLock()
	defer cw.listenersMu.RUnlock()
	return append([]ChannelListener(nil), cw.listeners...)
}
