package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds the connection settings that can be loaded from a file.
type Config struct {
	// URL of the broker. Defaults to DefaultURL.
	URL string `yaml:"url"`

	// Heartbeat interval negotiated with the broker.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// Locale sent in the connection handshake.
	Locale string `yaml:"locale"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the reconnection policy.
type ReconnectConfig struct {
	// Delay between a failed attempt and the next one.
	Delay time.Duration `yaml:"delay"`

	// MaximumAttempts caps reconnection attempts; negative means unlimited.
	MaximumAttempts int `yaml:"maximum_attempts"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		URL:       DefaultURL,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Reconnect: ReconnectConfig{
			Delay:           DefaultReconnectDelay,
			MaximumAttempts: DefaultMaxRetries,
		},
	}
}

// Validate checks that the configuration can be used to dial.
func (c Config) Validate() error {
	if _, err := amqp.ParseURI(c.URL); err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidConfiguration, err)
	}
	if c.Reconnect.Delay < 0 {
		return fmt.Errorf("%w: reconnect delay must not be negative", ErrInvalidConfiguration)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// Options converts the configuration into manager options.
func (c Config) Options() []ConnectionOption {
	return []ConnectionOption{
		WithAMQPConfig(amqp.Config{
			Heartbeat: c.Heartbeat,
			Locale:    c.Locale,
		}),
		WithReconnectDelay(c.Reconnect.Delay),
		WithMaxRetries(c.Reconnect.MaximumAttempts),
	}
}
