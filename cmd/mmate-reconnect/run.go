package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	mmate "github.com/glimte/mmate-reconnect"
	"github.com/glimte/mmate-reconnect/health"
	"github.com/glimte/mmate-reconnect/internal/config"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect, declare the topology and publish heartbeats until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logger.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			app := newApp(cfg, logger)
			if err := app.Err(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			var exitCode int
			select {
			case <-ctx.Done():
			case sig := <-app.Wait():
				exitCode = sig.ExitCode
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			if err := app.Stop(stopCtx); err != nil {
				return err
			}
			if exitCode != 0 {
				return mmate.ErrMaxRetriesExceeded
			}
			return nil
		},
	}
}

func newApp(cfg config.Config, logger *zap.Logger) *fx.App {
	return fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: logger} }),
		mmate.FXModule,
		fx.Supply(cfg, cfg.AMQP, cfg.Topology, logger),
		fx.Provide(
			newRegistry,
			func(reg *prometheus.Registry) prometheus.Registerer { return reg },
			fx.Annotate(shutdownOnFallback, fx.ResultTags(`group:"mmate_options"`)),
			fx.Annotate(serviceName, fx.ResultTags(`group:"mmate_options"`)),
			fx.Annotate(metricsNamespace, fx.ResultTags(`group:"mmate_options"`)),
		),
		fx.Invoke(registerHealthChecks, registerServer, registerHeartbeat, registerHeartbeatConsumer),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// shutdownOnFallback stops the application once reconnection gives up.
func shutdownOnFallback(shutdowner fx.Shutdowner, logger *zap.Logger) mmate.ClientOption {
	return mmate.WithConnectionOptions(mmate.WithFallback(func() {
		logger.Error("giving up on RabbitMQ, shutting down")
		_ = shutdowner.Shutdown(fx.ExitCode(1))
	}))
}

func serviceName() mmate.ClientOption {
	return mmate.WithServiceName("mmate-reconnect")
}

func metricsNamespace(cfg config.Config, reg prometheus.Registerer) mmate.ClientOption {
	return mmate.WithMetricsRegisterer(reg, cfg.Metrics.Namespace)
}

// registerHealthChecks adds the process checks to the client's registry.
func registerHealthChecks(registry *health.Registry, cfg config.Config) {
	registry.Register(health.NewMemoryChecker(cfg.Health.WarningGoroutines, cfg.Health.CriticalGoroutines))
}

// registerServer serves /metrics, /healthz and /livez on the metrics address.
func registerServer(lc fx.Lifecycle, cfg config.Config, reg *prometheus.Registry, registry *health.Registry, logger *zap.Logger) {
	if cfg.Metrics.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	server := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("starting metrics server", zap.String("address", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down metrics server")
			return server.Shutdown(ctx)
		},
	})
}

type heartbeatMessage struct {
	Service   string    `json:"service"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// heartbeat publishes a small message on every tick so broker outages show up
// as failed publishes in logs and metrics.
type heartbeat struct {
	client   *mmate.Client
	cfg      config.HeartbeatConfig
	logger   *zap.Logger
	sequence uint64

	// lastPublished holds the UnixNano of the last confirmed heartbeat.
	lastPublished atomic.Int64
}

func (h *heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *heartbeat) beat(ctx context.Context) {
	h.sequence++
	body, err := json.Marshal(heartbeatMessage{
		Service:   h.client.ServiceName(),
		Sequence:  h.sequence,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to encode heartbeat", zap.Error(err))
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, h.cfg.Interval)
	defer cancel()

	err = h.client.Publish(publishCtx, h.cfg.Exchange, h.cfg.RoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
	switch {
	case err == nil:
		h.lastPublished.Store(time.Now().UnixNano())
		h.logger.Debug("heartbeat published", zap.Uint64("sequence", h.sequence))
	case errors.Is(err, mmate.ErrNoChannel):
		h.logger.Warn("heartbeat skipped, no channel", zap.Uint64("sequence", h.sequence))
	default:
		h.logger.Error("heartbeat failed", zap.Uint64("sequence", h.sequence), zap.Error(err))
	}
}

// check reports degraded once no heartbeat was confirmed for three intervals.
func (h *heartbeat) check(context.Context) (health.Status, string, map[string]interface{}, error) {
	last := h.lastPublished.Load()
	if last == 0 {
		return health.StatusDegraded, "No heartbeat published yet", nil, nil
	}

	age := time.Since(time.Unix(0, last))
	details := map[string]interface{}{"age": age.String()}
	if age > 3*h.cfg.Interval {
		return health.StatusDegraded, "Heartbeats are not being confirmed", details, nil
	}
	return health.StatusHealthy, "Heartbeats are being confirmed", details, nil
}

func registerHeartbeat(lc fx.Lifecycle, client *mmate.Client, registry *health.Registry, cfg config.Config, logger *zap.Logger) {
	if cfg.Heartbeat.Interval <= 0 {
		return
	}

	h := &heartbeat{
		client: client,
		cfg:    cfg.Heartbeat,
		logger: logger.Named("heartbeat"),
	}
	registry.Register(health.NewComponentChecker("heartbeat", h.check))

	var (
		wg     sync.WaitGroup
		cancel context.CancelFunc
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

// echo decodes heartbeats read back from the broker and logs their latency.
func (h *heartbeat) echo(_ context.Context, d amqp.Delivery) error {
	var msg heartbeatMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("failed to decode heartbeat: %w", err)
	}
	h.logger.Info("heartbeat received",
		zap.Uint64("sequence", msg.Sequence),
		zap.Duration("round_trip", time.Since(msg.Timestamp)))
	return nil
}

func registerHeartbeatConsumer(lc fx.Lifecycle, client *mmate.Client, cfg config.Config, logger *zap.Logger) {
	if cfg.Heartbeat.Queue == "" {
		return
	}

	h := &heartbeat{
		client: client,
		cfg:    cfg.Heartbeat,
		logger: logger.Named("heartbeat"),
	}

	var consumer *mmate.Subscription
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			// Malformed heartbeats are dropped rather than redelivered forever.
			consumer, err = client.Consume(context.Background(), cfg.Heartbeat.Queue, h.echo,
				mmate.WithAckStrategy(mmate.AckAlways))
			return err
		},
		OnStop: func(context.Context) error {
			if consumer != nil {
				consumer.Stop()
			}
			return nil
		},
	})
}
