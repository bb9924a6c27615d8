package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/basemarket/market-settlement-api/shared/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig holds the configuration for RabbitMQ
type RabbitMQConfig struct {
	RabbitMQHost     string `json:"rabbitmq_host"`
	RabbitMQPort     int    `json:"rabbitmq_port"`
	RabbitMQUser     string `json:"rabbitmq_user"`
	RabbitMQPassword string `json:"rabbitmq_password"`
}

// ExchangeConfig defines exchange configuration
type ExchangeConfig struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // "topic", "direct", "fanout"
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// QueueConfig defines queue configuration
type QueueConfig struct {
	Name      string `json:"name"`
	Durable   bool   `json:"durable"`
	Exclusive bool   `json:"exclusive"`
	TTL       int64  `json:"ttl,omitempty"` // Message TTL in milliseconds
}

// BindingConfig defines queue-to-exchange binding
type BindingConfig struct {
	QueueName    string `json:"queue_name"`
	ExchangeName string `json:"exchange_name"`
	RoutingKey   string `json:"routing_key"`
}

// MessageHandler defines the signature for message handlers. Returning an
// error nacks the delivery with requeue.
type MessageHandler func(context.Context, amqp.Delivery) error

// RabbitMQ wraps the AMQP connection and provides high-level operations
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  RabbitMQConfig
	closed  bool
}

// NewRabbitMQ creates a new RabbitMQ client with configuration
func NewRabbitMQ(config RabbitMQConfig) (*RabbitMQ, error) {
	rmq := &RabbitMQ{
		config: config,
	}

	if err := rmq.connect(); err != nil {
		return nil, err
	}

	return rmq, nil
}

func (r *RabbitMQ) buildURL() string {
	scheme := "amqp"
	if r.config.RabbitMQPort == 5671 {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d",
		scheme,
		r.config.RabbitMQUser,
		r.config.RabbitMQPassword,
		r.config.RabbitMQHost,
		r.config.RabbitMQPort,
	)
}

// connect establishes connection to RabbitMQ
func (r *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(r.buildURL(), amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	r.conn = conn
	r.channel = ch
	r.closed = false

	return nil
}

// DeclareExchange declares an exchange
func (r *RabbitMQ) DeclareExchange(config ExchangeConfig) error {
	return r.channel.ExchangeDeclare(
		config.Name,
		config.Type,
		config.Durable,
		config.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareQueue declares a queue
func (r *RabbitMQ) DeclareQueue(config QueueConfig) (amqp.Queue, error) {
	args := amqp.Table{}
	if config.TTL > 0 {
		args["x-message-ttl"] = config.TTL
	}

	return r.channel.QueueDeclare(
		config.Name,
		config.Durable,
		false, // auto-delete
		config.Exclusive,
		false, // no-wait
		args,
	)
}

// BindQueue binds a queue to an exchange
func (r *RabbitMQ) BindQueue(config BindingConfig) error {
	return r.channel.QueueBind(
		config.QueueName,
		config.RoutingKey,
		config.ExchangeName,
		false, // no-wait
		nil,
	)
}

// Publish publishes a message using the contracts.AMQPMessage interface
func (r *RabbitMQ) Publish(ctx context.Context, message contracts.AMQPMessage) error {
	if r.closed {
		return fmt.Errorf("connection is closed")
	}

	headers := make(amqp.Table)
	for k, v := range message.Headers {
		headers[k] = v
	}

	return r.channel.PublishWithContext(
		ctx,
		message.Exchange,
		message.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         message.Body,
		},
	)
}

// Consume starts consuming messages from a queue, dispatching each delivery
// to handler on a dedicated goroutine until ctx is cancelled.
func (r *RabbitMQ) Consume(ctx context.Context, queueName, consumerTag string, handler MessageHandler) error {
	if r.closed {
		return fmt.Errorf("connection is closed")
	}

	deliveries, err := r.channel.Consume(
		queueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queueName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				if err := handler(ctx, delivery); err != nil {
					_ = delivery.Nack(false, true)
					continue
				}
				_ = delivery.Ack(false)
			}
		}
	}()

	return nil
}

// Close closes the channel and connection
func (r *RabbitMQ) Close() error {
	r.closed = true
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
