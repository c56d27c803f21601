package mqrpctest

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialChannel(t *testing.T, b *Broker, name string) (*connection, *channel) {
	t.Helper()
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)
	conn, err := b.Dial("amqp://localhost/", amqp.Config{Properties: props})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)

	return conn.(*connection), ch.(*channel) //nolint:forcetypeassert // own types
}

func TestPrefetchAndRequeue(t *testing.T) {
	b := NewBroker()
	_, ch := dialChannel(t, b, "worker")
	_, err := ch.QueueDeclare("q", false, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Qos(1, 0, false))
	deliveries, err := ch.Consume("q", "", false, false, false, false, nil)
	require.NoError(t, err)

	assert.True(t, b.Publish("q", amqp.Publishing{Body: []byte("1")}))
	assert.True(t, b.Publish("q", amqp.Publishing{Body: []byte("2")}))
	first := <-deliveries
	assert.Equal(t, "1", string(first.Body))
	assert.Equal(t, 1, b.Unacked("q"))
	assert.Equal(t, 1, b.QueueLen("q"))

	require.NoError(t, first.Nack(false, true))
	again := <-deliveries
	assert.Equal(t, "1", string(again.Body))
	assert.True(t, again.Redelivered)

	require.NoError(t, again.Ack(false))
	second := <-deliveries
	assert.Equal(t, "2", string(second.Body))

	assert.Equal(t, 1, b.DropConnections("worker"))
	_, open := <-deliveries
	assert.False(t, open)
	assert.Equal(t, 1, b.QueueLen("q"))
	assert.ErrorIs(t, second.Ack(false), amqp.ErrClosed)
}

func TestExclusiveQueue(t *testing.T) {
	b := NewBroker()
	owner, ch := dialChannel(t, b, "owner")
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, q.Name)

	_, other := dialChannel(t, b, "other")
	_, err = other.QueueDeclare(q.Name, false, true, true, false, nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ResourceLocked, amqpErr.Code)

	notify := owner.NotifyClose(make(chan *amqp.Error, 1))
	require.NoError(t, owner.Close())
	_, hasErr := <-notify
	assert.False(t, hasErr)
	assert.False(t, b.HasQueue(q.Name))
	assert.Equal(t, 1, b.Connections())
}

func TestHeartbeatsAndUnroutable(t *testing.T) {
	b := NewBroker()
	_, ch := dialChannel(t, b, "client")
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "", false, false, amqp.Publishing{}))
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "missing", false, false, amqp.Publishing{}))
	assert.Equal(t, 1, b.Heartbeats())
	assert.Equal(t, 1, b.Unroutable())

	b.SetReachable(false)
	_, err := b.Dial("amqp://localhost/", amqp.Config{})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 2, b.Dials())
}
