package mmate

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/glimte/mmate-reconnect/health"
	"github.com/glimte/mmate-reconnect/internal/rabbitmq"
)

// FXModule provides a *Client, its *ConnectionManager and its health registry,
// and ties the client to the application lifecycle: it starts connecting on
// start and closes everything on stop.
//
// Usage:
//
//	app := fx.New(
//	    mmate.FXModule,
//	    fx.Provide(func() mmate.Config {
//	        return loadRabbitConfig()
//	    }),
//	)
var FXModule = fx.Module("mmate",
	fx.Provide(
		NewClientWithDI,
		func(c *Client) *rabbitmq.ConnectionManager { return c.Manager() },
		func(c *Client) *health.Registry { return c.Health() },
	),
	fx.Invoke(RegisterClientLifecycle),
)

// ClientParams groups the dependencies needed to create a Client. Extra
// ClientOptions can be contributed to the "mmate_options" value group.
type ClientParams struct {
	fx.In

	Config     rabbitmq.Config
	Topology   rabbitmq.Topology     `optional:"true"`
	Logger     *zap.Logger           `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
	Options    []ClientOption        `group:"mmate_options"`
}

// NewClientWithDI creates a client from injected dependencies.
func NewClientWithDI(params ClientParams) (*Client, error) {
	options := []ClientOption{
		WithLogger(params.Logger),
		WithTopology(params.Topology),
	}
	if params.Registerer != nil {
		options = append(options, WithMetricsRegisterer(params.Registerer, ""))
	}
	options = append(options, params.Options...)

	return NewClientFromConfig(params.Config, options...)
}

// RegisterClientLifecycle starts the client without waiting for the broker,
// so the application comes up even while RabbitMQ is down.
func RegisterClientLifecycle(lc fx.Lifecycle, client *Client) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			client.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
}
