// Package mqrpctest provides an in-memory AMQP broker for tests of package mqrpc.
// It supports the default exchange only.
package mqrpctest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pgillich/textrpc/internal/mqrpc"
)

const deliveryBuffer = 256

var ErrUnreachable = errors.NewPlain("dial tcp: connection refused")

var _ mqrpc.Dialer = (&Broker{}).Dial

// Broker routes messages published to the default exchange into named queues.
type Broker struct {
	mu         sync.Mutex
	reachable  bool
	queues     map[string]*queue
	conns      map[*connection]struct{}
	published  map[string][]amqp.Publishing
	dials      int
	heartbeats int
	unroutable int
	queueSeq   int
}

type message struct {
	pub         amqp.Publishing
	key         string
	redelivered bool
}

type queue struct {
	name      string
	exclusive bool
	owner     *connection
	messages  []message
	consumers []*consumer
	next      int
}

type consumer struct {
	ch      *channel
	q       *queue
	tag     string
	autoAck bool
	out     chan amqp.Delivery
}

type unacked struct {
	q   *queue
	msg message
}

func NewBroker() *Broker {
	return &Broker{
		reachable: true,
		queues:    map[string]*queue{},
		conns:     map[*connection]struct{}{},
		published: map[string][]amqp.Publishing{},
	}
}

// Dial is a mqrpc.Dialer. It fails with ErrUnreachable while the broker is unreachable.
func (b *Broker) Dial(url string, config amqp.Config) (mqrpc.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if !b.reachable {
		return nil, ErrUnreachable
	}
	name, _ := config.Properties["connection_name"].(string) //nolint:errcheck // optional
	c := &connection{b: b, name: name}
	b.conns[c] = struct{}{}

	return c, nil
}

func (b *Broker) SetReachable(reachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reachable = reachable
}

// DropConnections closes the named connections (all if no name given) the way a
// broker restart does: the close notification carries CONNECTION_FORCED,
// exclusive queues are deleted and unacknowledged messages are requeued.
func (b *Broker) DropConnections(names ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for c := range b.conns {
		if len(names) > 0 && !contains(names, c.name) {
			continue
		}
		b.closeConnLocked(c, &amqp.Error{
			Code:   amqp.ConnectionForced,
			Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
			Server: true,
		})
		dropped++
	}

	return dropped
}

// Publish injects a message into the default exchange, as another client would.
func (b *Broker) Publish(key string, msg amqp.Publishing) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.publishLocked(key, msg)
}

// Published returns the messages published with routing key so far.
func (b *Broker) Published(key string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]amqp.Publishing(nil), b.published[key]...)
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// Heartbeats is the number of messages published with an empty routing key.
func (b *Broker) Heartbeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.heartbeats
}

func (b *Broker) Unroutable() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.unroutable
}

func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, has := b.queues[name]

	return has
}

// QueueLen is the number of ready (not delivered) messages.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, has := b.queues[name]; has {
		return len(q.messages)
	}

	return 0
}

// Unacked is the number of delivered, not yet acknowledged messages of the queue.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for c := range b.conns {
		for _, ch := range c.channels {
			for _, u := range ch.unacked {
				if u.q.name == name {
					count++
				}
			}
		}
	}

	return count
}

func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, has := b.queues[name]; has {
		return len(q.consumers)
	}

	return 0
}

func (b *Broker) publishLocked(key string, msg amqp.Publishing) bool {
	b.published[key] = append(b.published[key], msg)
	if key == "" {
		b.heartbeats++

		return false
	}
	q, has := b.queues[key]
	if !has {
		b.unroutable++

		return false
	}
	q.messages = append(q.messages, message{pub: msg, key: key})
	b.dispatchLocked(q)

	return true
}

// dispatchLocked hands ready messages to consumers round-robin, honouring the channel prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		cons := q.nextConsumer()
		if cons == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		cons.ch.deliveryTag++
		tag := cons.ch.deliveryTag
		if !cons.autoAck {
			cons.ch.unacked[tag] = unacked{q: q, msg: msg}
		}
		cons.out <- delivery(cons, tag, msg)
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		cons := q.consumers[(q.next+i)%len(q.consumers)]
		if len(cons.out) >= cap(cons.out) {
			continue
		}
		if !cons.autoAck && cons.ch.prefetch > 0 && len(cons.ch.unacked) >= cons.ch.prefetch {
			continue
		}
		q.next = (q.next + i + 1) % len(q.consumers)

		return cons
	}

	return nil
}

func delivery(cons *consumer, tag uint64, msg message) amqp.Delivery {
	pub := msg.pub

	return amqp.Delivery{
		Acknowledger:    cons.ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     cons.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		RoutingKey:      msg.key,
		Body:            pub.Body,
	}
}

func (b *Broker) closeConnLocked(c *connection, cause *amqp.Error) {
	if c.closed {
		return
	}
	for _, ch := range c.channels {
		b.closeChannelLocked(ch)
	}
	c.closed = true
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			delete(b.queues, name)
		}
	}
	for _, notify := range c.notify {
		if cause != nil {
			select {
			case notify <- cause:
			default:
			}
		}
		close(notify)
	}
	c.notify = nil
	delete(b.conns, c)
}

// closeChannelLocked cancels the consumers of ch and requeues its unacknowledged messages.
func (b *Broker) closeChannelLocked(ch *channel) {
	if ch.closed {
		return
	}
	ch.closed = true
	touched := map[*queue]struct{}{}
	for _, cons := range ch.consumers {
		q := cons.q
		for i, qc := range q.consumers {
			if qc == cons {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)

				break
			}
		}
		q.next = 0
		close(cons.out)
		touched[q] = struct{}{}
	}
	ch.consumers = nil
	for tag, u := range ch.unacked {
		u.msg.redelivered = true
		u.q.messages = append([]message{u.msg}, u.q.messages...)
		touched[u.q] = struct{}{}
		delete(ch.unacked, tag)
	}
	for q := range touched {
		if _, has := b.queues[q.name]; has {
			b.dispatchLocked(q)
		}
	}
}

type connection struct {
	b        *Broker
	name     string
	closed   bool
	notify   []chan *amqp.Error
	channels []*channel
}

func (c *connection) Channel() (mqrpc.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{c: c, unacked: map[uint64]unacked{}}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)

		return receiver
	}
	c.notify = append(c.notify, receiver)

	return receiver
}

func (c *connection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	return c.closed
}

func (c *connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.b.closeConnLocked(c, nil)

	return nil
}

type channel struct {
	c           *connection
	closed      bool
	prefetch    int
	deliveryTag uint64
	consumers   []*consumer
	unacked     map[uint64]unacked
	consumerSeq int
}

var _ amqp.Acknowledger = (*channel)(nil)

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table,
) (amqp.Queue, error) {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d-%d", time.Now().UnixNano(), b.queueSeq)
	}
	q, has := b.queues[name]
	if has {
		if q.exclusive && q.owner != ch.c {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name),
			}
		}
	} else {
		q = &queue{name: name, exclusive: exclusive}
		if exclusive {
			q.owner = ch.c
		}
		b.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount

	return nil
}

func (ch *channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table,
) (<-chan amqp.Delivery, error) {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, has := b.queues[queueName]
	if !has {
		return nil, &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName),
		}
	}
	if consumerTag == "" {
		ch.consumerSeq++
		consumerTag = fmt.Sprintf("ctag-%d", ch.consumerSeq)
	}
	cons := &consumer{
		ch:      ch,
		q:       q,
		tag:     consumerTag,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery, deliveryBuffer),
	}
	q.consumers = append(q.consumers, cons)
	ch.consumers = append(ch.consumers, cons)
	b.dispatchLocked(q)

	return cons.out, nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if exchange != "" {
		return &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange),
		}
	}
	b.publishLocked(key, msg)

	return nil
}

func (ch *channel) Close() error {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannelLocked(ch)

	return nil
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false)
}

func (ch *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, requeue)
}

func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *channel) settle(tag uint64, multiple bool, requeue bool) error {
	b := ch.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}
	touched := map[*queue]struct{}{}
	for _, t := range tags {
		u, has := ch.unacked[t]
		if !has {
			return &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t),
			}
		}
		delete(ch.unacked, t)
		if requeue {
			u.msg.redelivered = true
			u.q.messages = append([]message{u.msg}, u.q.messages...)
		}
		touched[u.q] = struct{}{}
	}
	for q := range touched {
		if _, has := b.queues[q.name]; has {
			b.dispatchLocked(q)
		}
	}

	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}

	return false
}
