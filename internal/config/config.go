// Package config loads the mmate-reconnect configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-reconnect/internal/rabbitmq"
)

// EnvURL overrides the broker URL from the file.
const EnvURL = "MMATE_AMQP_URL"

// Config is the complete file layout.
type Config struct {
	AMQP      rabbitmq.Config   `yaml:"amqp"`
	Topology  rabbitmq.Topology `yaml:"topology"`
	Logger    LoggerConfig      `yaml:"logger"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Heartbeat HeartbeatConfig   `yaml:"heartbeat"`
	Health    HealthConfig      `yaml:"health"`
}

// LoggerConfig selects the log level: debug, info, warn or error.
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address the /metrics and /healthz server listens on. Empty disables it.
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// HeartbeatConfig describes the periodic message published by the run command.
type HeartbeatConfig struct {
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	Interval   time.Duration `yaml:"interval"`
	// Queue, when set, is consumed and the round trip of each heartbeat
	// read back from it is logged.
	Queue string `yaml:"queue"`
}

// HealthConfig sets the goroutine counts at which /healthz reports degraded
// and unhealthy.
type HealthConfig struct {
	WarningGoroutines  int `yaml:"warning_goroutines"`
	CriticalGoroutines int `yaml:"critical_goroutines"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		AMQP:   rabbitmq.DefaultConfig(),
		Logger: LoggerConfig{Level: "info"},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "mmate",
		},
		Heartbeat: HeartbeatConfig{
			RoutingKey: "mmate.heartbeat",
			Interval:   5 * time.Second,
		},
		Health: HealthConfig{
			WarningGoroutines:  1000,
			CriticalGoroutines: 10000,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults. The
// MMATE_AMQP_URL environment variable wins over the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if url := os.Getenv(EnvURL); url != "" {
		cfg.AMQP.URL = url
	}

	if err := cfg.AMQP.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
