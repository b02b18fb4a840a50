package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultURL is used when no endpoint is configured.
	DefaultURL = "amqp://localhost"
	// DefaultReconnectDelay is the pause between a failed attempt and the next.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultMaxRetries means retry forever.
	DefaultMaxRetries = -1
)

// State is the lifecycle state of a ConnectionManager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFallbackTerminated is terminal: the retry budget ran out and the
	// fallback has been called.
	StateFallbackTerminated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackTerminated:
		return "fallback_terminated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager owns a single broker connection, reconnects it when it
// drops, and tells every registered ChannelWrapper about each new connection.
type ConnectionManager struct {
	url            string
	amqpConfig     amqp.Config
	dial           Dialer
	reconnectDelay time.Duration
	backOff        backoff.BackOff
	maxRetries     int
	fallback       func()
	logger         *zap.Logger
	metrics        *Metrics

	mu           sync.RWMutex
	conn         Connection
	state        State
	attempt      int
	started      bool
	stateChanged chan struct{}
	channels     []*ChannelWrapper

	listenersMu sync.RWMutex
	listeners   []ConnectionListener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithURI sets the endpoint from a structured URI instead of a URL string.
func WithURI(uri amqp.URI) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.url = uri.String()
	}
}

// WithAMQPConfig sets the socket and protocol options handed to the dialer
// unchanged.
func WithAMQPConfig(cfg amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig = cfg
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithFallback sets the function called once when the retry budget runs out.
func WithFallback(fn func()) ConnectionOption {
	return func(cm *ConnectionManager) {
		if fn != nil {
			cm.fallback = fn
		}
	}
}

// WithBackOff replaces the fixed delay policy. Returning backoff.Stop ends
// reconnection the same way an exhausted retry budget does.
func WithBackOff(b backoff.BackOff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backOff = b
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests.
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if d != nil {
			cm.dial = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithMetrics reports connection and channel activity to m.
func WithMetrics(m *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// NewConnectionManager creates a manager for url. Nothing is dialled until
// Start or Connect is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	if url == "" {
		url = DefaultURL
	}

	cm := &ConnectionManager{
		url: url,
		amqpConfig: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
		dial:           DialAMQP,
		reconnectDelay: DefaultReconnectDelay,
		maxRetries:     DefaultMaxRetries,
		fallback:       func() {},
		logger:         zap.L(),
		stateChanged:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.backOff == nil {
		cm.backOff = newDelayPolicy(cm.reconnectDelay)
	}
	if cm.metrics != nil {
		cm.listeners = append(cm.listeners, cm.metrics)
	}
	cm.logger = cm.logger.With(zap.String("url", SanitizeURL(cm.url)))
	cm.ctx, cm.cancel = context.WithCancel(context.Background())

	return cm
}

// Start launches the connection loop in the background. It is safe to call
// more than once; only the first call has an effect.
func (cm *ConnectionManager) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.started || cm.state == StateClosed {
		return
	}
	cm.started = true

	cm.wg.Add(1)
	go func() {
		exhausted := cm.run()
		cm.wg.Done()
		// Outside the wait group so the fallback may call Close.
		if exhausted {
			cm.fallback()
		}
	}()
}

// Connect starts the connection loop if needed and waits until a connection
// is established. Concurrent callers share the same attempt. It returns a
// *ConnectionError wrapping ErrMaxRetriesExceeded once the retry budget is
// spent, ErrManagerClosed after Close, or the context error.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.Start()

	for {
		cm.mu.RLock()
		state, changed, attempts := cm.state, cm.stateChanged, cm.attempt
		cm.mu.RUnlock()

		switch state {
		case StateConnected:
			return nil
		case StateFallbackTerminated:
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempts,
			}
		case StateClosed:
			return ErrManagerClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       ctx.Err(),
				Timestamp: time.Now(),
				Attempts:  attempts,
			}
		}
	}
}

// IsConnected reports whether a connection is currently held.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil
}

// Connection returns the current connection, or nil.
func (cm *ConnectionManager) Connection() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// ReconnectionAttempt returns the number of attempts since the last
// successful connect.
func (cm *ConnectionManager) ReconnectionAttempt() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.attempt
}

// CreateChannel returns a ChannelWrapper bound to this manager. If the manager
// is already connected the wrapper starts creating its channel right away,
// otherwise it waits for the next connection.
func (cm *ConnectionManager) CreateChannel(options ...ChannelOption) *ChannelWrapper {
	cw := newChannelWrapper(cm, options...)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		cw.markClosed()
		return cw
	}

	// Registration and the connected check happen under the same lock that
	// connect emission snapshots the wrapper list with, so a wrapper sees a
	// given connection exactly once.
	cm.channels = append(cm.channels, cw)
	if cm.conn != nil {
		cw.onConnect(cm.conn)
	}

	return cw
}

// Channels returns the registered wrappers in creation order.
func (cm *ConnectionManager) Channels() []*ChannelWrapper {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*ChannelWrapper(nil), cm.channels...)
}

func (cm *ConnectionManager) removeChannel(cw *ChannelWrapper) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for i, c := range cm.channels {
		if c == cw {
			cm.channels = append(cm.channels[:i], cm.channels[i+1:]...)
			return
		}
	}
}

// Close stops reconnecting, closes every wrapper and then the connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		conn := cm.conn
		cm.conn = nil
		channels := append([]*ChannelWrapper(nil), cm.channels...)
		cm.setStateLocked(StateClosed)
		cm.mu.Unlock()

		cm.cancel()
		cm.wg.Wait()

		cm.logger.Info("connection manager shutting down")

		var result *multierror.Error
		for _, cw := range channels {
			if err := cw.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}

		if conn != nil {
			if !conn.IsClosed() {
				if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
					result = multierror.Append(result, &ConnectionError{
						Op:        "close",
						URL:       SanitizeURL(cm.url),
						Err:       err,
						Timestamp: time.Now(),
					})
				}
			}
			cm.emitDisconnect(nil)
		}

		cm.closeErr = result.ErrorOrNil()
	})
	return cm.closeErr
}

// run is the connection loop. It returns true when it stopped because the
// retry budget ran out.
func (cm *ConnectionManager) run() bool {
	for {
		if !cm.transition(StateConnecting) {
			return false
		}

		conn, err := cm.dial(cm.ctx, cm.url, cm.amqpConfig)
		if err != nil {
			if cm.ctx.Err() != nil {
				return false
			}
			attempt := cm.ReconnectionAttempt()
			cm.logger.Error("failed to connect to RabbitMQ",
				zap.Int("attempt", attempt),
				zap.Error(err))
			cm.emitError(&ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  attempt + 1,
			})

			if cont, exhausted := cm.reconnect(); !cont {
				return exhausted
			}
			continue
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		notifyBlocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

		if !cm.setConnected(conn) {
			_ = conn.Close()
			return false
		}

		closeErr, ok := cm.watch(notifyClose, notifyBlocked)
		if !ok {
			return false
		}
		cm.setDisconnected(closeErr)

		if cont, exhausted := cm.reconnect(); !cont {
			return exhausted
		}
	}
}

// reconnect schedules the next attempt and waits out the delay. cont is false
// when the loop must stop; exhausted tells whether that is because the retry
// budget ran out.
func (cm *ConnectionManager) reconnect() (cont, exhausted bool) {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return false, false
	}

	var delay time.Duration
	if cm.maxRetries < 0 || cm.attempt < cm.maxRetries {
		delay = cm.backOff.NextBackOff()
	}
	if (cm.maxRetries >= 0 && cm.attempt >= cm.maxRetries) || delay == backoff.Stop {
		attempts := cm.attempt
		cm.conn = nil
		cm.setStateLocked(StateFallbackTerminated)
		cm.mu.Unlock()

		cm.logger.Error("max reconnection attempts reached",
			zap.Int("attempts", attempts),
			zap.Int("maxRetries", cm.maxRetries))
		cm.metrics.observeFallback()
		return false, true
	}

	cm.conn = nil
	cm.attempt++
	attempt := cm.attempt
	cm.setStateLocked(StateReconnecting)
	cm.mu.Unlock()

	cm.logger.Info("attempting to reconnect",
		zap.Int("attempt", attempt),
		zap.Int("maxRetries", cm.maxRetries),
		zap.Duration("delay", delay))
	cm.emitReconnect(attempt)

	if err := sleep(cm.ctx, delay); err != nil {
		return false, false
	}
	return true, false
}

// watch blocks until the connection closes or the manager shuts down,
// relaying blocked/unblocked notifications meanwhile. ok is false on shutdown.
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error, notifyBlocked chan amqp.Blocking) (closeErr error, ok bool) {
	for {
		select {
		case <-cm.ctx.Done():
			return nil, false

		case b, open := <-notifyBlocked:
			if !open {
				notifyBlocked = nil
				continue
			}
			if b.Active {
				cm.logger.Warn("connection blocked by broker", zap.String("reason", b.Reason))
				cm.emitBlocked(b.Reason)
			} else {
				cm.logger.Info("connection unblocked by broker")
				cm.emitUnblocked()
			}

		case amqpErr, open := <-notifyClose:
			if !open || amqpErr == nil {
				return nil, true
			}
			cm.emitError(amqpErr)
			return amqpErr, true
		}
	}
}

func (cm *ConnectionManager) transition(state State) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		return false
	}
	cm.setStateLocked(state)
	return true
}

func (cm *ConnectionManager) setConnected(conn Connection) bool {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return false
	}
	cm.conn = conn
	cm.attempt = 0
	cm.setStateLocked(StateConnected)
	channels := append([]*ChannelWrapper(nil), cm.channels...)
	cm.mu.Unlock()

	cm.backOff.Reset()
	cm.logger.Info("connected to RabbitMQ")

	cm.emitConnect(conn)
	for _, cw := range channels {
		cw.onConnect(conn)
	}
	return true
}

func (cm *ConnectionManager) setDisconnected(err error) {
	cm.mu.Lock()
	cm.conn = nil
	if cm.state != StateClosed {
		cm.setStateLocked(StateDisconnected)
	}
	channels := append([]*ChannelWrapper(nil), cm.channels...)
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Warn("connection closed", zap.Error(err))
	} else {
		cm.logger.Info("connection closed")
	}

	for _, cw := range channels {
		cw.onDisconnect()
	}
	cm.emitDisconnect(err)
}

// setStateLocked must be called with mu held.
func (cm *ConnectionManager) setStateLocked(state State) {
	cm.state = state
	close(cm.stateChanged)
	cm.stateChanged = make(chan struct{})
}

// AddListener adds a connection listener. Listeners must be comparable
// (typically pointers) so they can be removed again.
func (cm *ConnectionManager) AddListener(listener ConnectionListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveListener removes a connection listener
func (cm *ConnectionManager) RemoveListener(listener ConnectionListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) snapshotListeners() []ConnectionListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionListener(nil), cm.listeners...)
}

func (cm *ConnectionManager) emitConnect(conn Connection) {
	for _, l := range cm.snapshotListeners() {
		l.OnConnect(conn)
	}
}

func (cm *ConnectionManager) emitDisconnect(err error) {
	for _, l := range cm.snapshotListeners() {
		l.OnDisconnect(err)
	}
}

func (cm *ConnectionManager) emitError(err error) {
	for _, l := range cm.snapshotListeners() {
		l.OnError(err)
	}
}

func (cm *ConnectionManager) emitReconnect(attempt int) {
	for _, l := range cm.snapshotListeners() {
		l.OnReconnect(attempt)
	}
}

func (cm *ConnectionManager) emitBlocked(reason string) {
	for _, l := range cm.snapshotListeners() {
		l.OnBlocked(reason)
	}
}

func (cm *ConnectionManager) emitUnblocked() {
	for _, l := range cm.snapshotListeners() {
		l.OnUnblocked()
	}
}
