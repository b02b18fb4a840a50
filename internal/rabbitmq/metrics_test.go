package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, err)
	return m
}

func TestMetrics(t *testing.T) {
	t.Run("registering twice fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewMetrics(reg, "test")
		require.NoError(t, err)

		_, err = NewMetrics(reg, "test")
		assert.Error(t, err)
	})

	t.Run("nil metrics are safe", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.OnConnect(nil)
			m.OnDisconnect(nil)
			m.OnError(errors.New("x"))
			m.OnReconnect(1)
			m.OnBlocked("x")
			m.OnUnblocked()
			m.observeFallback()
			m.observeChannelCreate()
			m.observeChannelError()
			m.observePublish("ok", time.Millisecond)
		})
	})

	t.Run("connection lifecycle is counted", func(t *testing.T) {
		m := newTestMetrics(t)
		d := &fakeDialer{failFirst: 2}
		cm := newTestManager(t, d, WithMetrics(m))

		require.NoError(t, cm.Connect(connectCtx(t)))
		require.Eventually(t, func() bool { return testutil.ToFloat64(m.connected) == 1 }, waitFor, time.Millisecond)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.connects))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.connectionErrors))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.reconnectAttempts))

		d.LastConn().Block("disk alarm")
		require.Eventually(t, func() bool { return testutil.ToFloat64(m.blocked) == 1 }, waitFor, time.Millisecond)

		require.NoError(t, cm.Close())
		assert.Equal(t, float64(0), testutil.ToFloat64(m.connected))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.blocked))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.disconnects))
	})

	t.Run("fallback is counted", func(t *testing.T) {
		m := newTestMetrics(t)
		cm := newTestManager(t, &fakeDialer{err: errDial}, WithMetrics(m), WithMaxRetries(0))

		assert.ErrorIs(t, cm.Connect(connectCtx(t)), ErrMaxRetriesExceeded)
		require.Eventually(t, func() bool { return testutil.ToFloat64(m.fallbacks) == 1 }, waitFor, time.Millisecond)
	})

	t.Run("channel and publish outcomes are counted", func(t *testing.T) {
		m := newTestMetrics(t)
		d := &fakeDialer{}
		cm := newTestManager(t, d, WithMetrics(m))
		cw := cm.CreateChannel()

		msg := amqp.Publishing{Body: []byte("x")}
		assert.Error(t, cw.Publish(context.Background(), "events", "a", msg))

		require.NoError(t, cm.Connect(connectCtx(t)))
		waitReady(t, cw)
		require.NoError(t, cw.Publish(context.Background(), "events", "a", msg))

		d.LastConn().Channels()[0].SetPublishErr(ErrPublishNotConfirmed)
		assert.Error(t, cw.Publish(context.Background(), "events", "a", msg))

		require.Eventually(t, func() bool { return testutil.ToFloat64(m.channelCreates) == 1 }, waitFor, time.Millisecond)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.publishes.WithLabelValues("no_channel")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.publishes.WithLabelValues("ok")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.publishes.WithLabelValues("error")))
	})

	t.Run("channel errors are counted", func(t *testing.T) {
		m := newTestMetrics(t)
		cm, _, conn := connectedManager(t, WithMetrics(m))
		conn.SetChannelErr(errors.New("no more channels"))
		listener := &recordingChannelListener{}

		cm.CreateChannel(WithChannelListener(listener))
		waitErrors(t, listener, 1)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.channelErrors))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.channelCreates))
	})
}
