// Package rabbitmq keeps a RabbitMQ connection and its channels alive across
// broker restarts and network failures.
//
// This package includes:
//   - ConnectionManager: owns one connection, reconnects with a fixed delay and
//     an optional attempt budget, and emits lifecycle events to listeners
//   - ChannelWrapper: recreates a confirm channel on every new connection,
//     replays its setup functions, and publishes/acks against whatever channel
//     is current
//   - DeclareTopology: setup functions for exchanges, queues and bindings
//   - Metrics: Prometheus collectors fed by the manager and its wrappers
//
// A wrapper never exposes a channel before all of its setup functions have
// succeeded. Publish and SendToQueue fail fast with ErrNoChannel while no
// channel is ready; Ack and Nack do nothing in that case.
package rabbitmq
