package mqrpc

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a broker connection. DialAMQP is the production implementation.
type Dialer func(url string, config amqp.Config) (Connection, error)

// Connection is the subset of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used by this package.
// A Channel must not be used for publishing from more goroutines at once.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Dialer = DialAMQP

func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}

	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// declareCommandQueue declares the shared command queue with the same arguments on both sides.
func declareCommandQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)

	return err
}
