package rabbitmq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "amqp"

// Metrics exports connection and channel activity to Prometheus. A *Metrics is
// a ConnectionListener; pass it with WithMetrics so wrappers report too. All
// methods are safe on a nil receiver.
type Metrics struct {
	connects          prometheus.Counter
	disconnects       prometheus.Counter
	connectionErrors  prometheus.Counter
	reconnectAttempts prometheus.Counter
	fallbacks         prometheus.Counter
	connected         prometheus.Gauge
	blocked           prometheus.Gauge

	channelCreates  prometheus.Counter
	channelErrors   prometheus.Counter
	publishes       *prometheus.CounterVec
	publishDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		connects:          newCounter(namespace, "connects_total", "Successful broker connections."),
		disconnects:       newCounter(namespace, "disconnects_total", "Connections lost or closed."),
		connectionErrors:  newCounter(namespace, "connection_errors_total", "Dial failures and connection-level errors."),
		reconnectAttempts: newCounter(namespace, "reconnect_attempts_total", "Scheduled reconnection attempts."),
		fallbacks:         newCounter(namespace, "fallbacks_total", "Times the reconnection budget ran out."),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "connected",
			Help:      "1 while a broker connection is held.",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "blocked",
			Help:      "1 while the broker has blocked publishing on the connection.",
		}),
		channelCreates: newCounter(namespace, "channel_creates_total", "Channels created and fully set up."),
		channelErrors:  newCounter(namespace, "channel_errors_total", "Channel creation or setup failures."),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "publishes_total",
			Help:      "Publish calls by result.",
		}, []string{"result"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirmation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.connects, m.disconnects, m.connectionErrors, m.reconnectAttempts,
		m.fallbacks, m.connected, m.blocked, m.channelCreates, m.channelErrors,
		m.publishes, m.publishDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newCounter(namespace, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func (m *Metrics) OnConnect(Connection) {
	if m == nil {
		return
	}
	m.connects.Inc()
	m.connected.Set(1)
	m.blocked.Set(0)
}

func (m *Metrics) OnDisconnect(error) {
	if m == nil {
		return
	}
	m.disconnects.Inc()
	m.connected.Set(0)
	m.blocked.Set(0)
}

func (m *Metrics) OnError(error) {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}

func (m *Metrics) OnReconnect(int) {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) OnBlocked(string) {
	if m == nil {
		return
	}
	m.blocked.Set(1)
}

func (m *Metrics) OnUnblocked() {
	if m == nil {
		return
	}
	m.blocked.Set(0)
}

func (m *Metrics) observeFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) observeChannelCreate() {
	if m == nil {
		return
	}
	m.channelCreates.Inc()
}

func (m *Metrics) observeChannelError() {
	if m == nil {
		return
	}
	m.channelErrors.Inc()
}

// observePublish records a publish outcome: "ok", "no_channel" or "error".
func (m *Metrics) observePublish(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
	if result != "no_channel" {
		m.publishDuration.Observe(d.Seconds())
	}
}
