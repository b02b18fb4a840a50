package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mmate "github.com/glimte/mmate-reconnect"
	"github.com/glimte/mmate-reconnect/health"
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect once, set up the topology and report health",
		Long: `check connects to RabbitMQ, declares the configured topology and prints a
health report as JSON. It exits non-zero when the broker cannot be reached
within the timeout or the report is unhealthy.`,
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

			cfg.AMQP.Reconnect.MaximumAttempts = 0
			client, err := mmate.NewClientFromConfig(cfg.AMQP,
				mmate.WithLogger(logger),
				mmate.WithServiceName("check"),
				mmate.WithTopology(cfg.Topology),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			connectErr := client.Connect(ctx)
			if connectErr != nil {
				logger.Error("connection check failed", zap.Error(connectErr))
			}

			reportCtx, cancelReport := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelReport()
			report := client.Health().Check(reportCtx)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if connectErr != nil {
				return connectErr
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("rabbitmq is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the connection")
	return cmd
}
