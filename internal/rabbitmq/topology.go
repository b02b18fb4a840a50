package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string     `yaml:"name"`
	Type       string     `yaml:"type"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string     `yaml:"name"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Exclusive  bool       `yaml:"exclusive"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string     `yaml:"queue"`
	Exchange   string     `yaml:"exchange"`
	RoutingKey string     `yaml:"routing_key"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration `yaml:"exchanges"`
	Queues    []QueueDeclaration    `yaml:"queues"`
	Bindings  []Binding             `yaml:"bindings"`
	// Prefetch sets channel QoS when greater than zero.
	Prefetch int `yaml:"prefetch"`
}

// DeclareTopology returns a SetupFunc that declares t on every new channel:
// exchanges first, then queues, then bindings. It stops at the first
// declaration attempted after ctx is done.
func DeclareTopology(t Topology) SetupFunc {
	return func(ctx context.Context, ch Channel) error {
		for _, exchange := range t.Exchanges {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := declareExchange(ch, exchange); err != nil {
				return topologyError("declare", "exchange", exchange.Name, err)
			}
		}

		for _, queue := range t.Queues {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := declareQueue(ch, queue); err != nil {
				return topologyError("declare", "queue", queue.Name, err)
			}
		}

		for _, binding := range t.Bindings {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := bindQueue(ch, binding); err != nil {
				return topologyError("bind", "queue", binding.Queue+"->"+binding.Exchange, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Prefetch > 0 {
			if err := ch.Qos(t.Prefetch, 0, false); err != nil {
				return fmt.Errorf("failed to set QoS: %w", err)
			}
		}
		return nil
	}
}

// QueueWithDLQ returns the topology for queueName with a dead letter queue
// dlqName bound to dlx.
func QueueWithDLQ(queueName, dlqName, dlx string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlqName, Durable: true},
			{
				Name:    queueName,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    dlx,
					"x-dead-letter-routing-key": dlqName,
				},
			},
		},
		Bindings: []Binding{
			// routing key is same as queue name
			{Queue: dlqName, Exchange: dlx, RoutingKey: dlqName},
		},
	}
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func topologyError(op, component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
