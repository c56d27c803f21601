package mqrpc

import (
	"context"
	"sync"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/middleware"
	"github.com/pgillich/textrpc/internal/tracing"
)

// Requester is the RPC client side. It publishes commands to the command queue and
// receives the replies on a private reply queue.
type Requester struct {
	cfg    Config
	cm     *ConnManager
	keeper *Keeper
	table  *Table
	status *Status
	log    logr.Logger
	tracer trace.Tracer
	call   middleware.Handler

	// pubMu serializes publishes on the primary channel
	pubMu sync.Mutex

	mu      sync.Mutex
	session *replySession

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// replySession is the reply queue consumer of one connection generation.
type replySession struct {
	queue      string
	deliveries <-chan amqp.Delivery
	generation uint64
}

func NewRequester(cfg Config, dial Dialer, log logr.Logger) *Requester {
	cfg = cfg.withDefaults()
	log = log.WithValues(logger.KeyQueue, cfg.Queue, "role", "requester")
	r := &Requester{
		cfg:    cfg,
		table:  NewTable(cfg.MaxPending),
		status: NewStatus(),
		log:    log,
		tracer: otel.Tracer(tracing.TracerName),
	}
	r.ctx, r.cancel = context.WithCancel(logger.NewContext(context.Background(), log))
	r.cm = NewConnManager(cfg, dial, r.setup, r.status, log)
	if !cfg.DisableKeepAlive {
		r.keeper = NewKeeper(r.cm, cfg.Heartbeat, r.status, log.WithName("keeper"))
	}
	r.call = middleware.Chain(
		middleware.Limit(semaphore.NewWeighted(int64(cfg.MaxInFlight))),
		middleware.Span(r.tracer, "rpc call", trace.SpanKindProducer,
			tracing.MessagingAttributes("publish", cfg.Queue, "")...),
		middleware.Metrics("textrpc_requests", "RPC requests",
			map[string]string{middleware.MetrAttrRole: "requester", middleware.MetrAttrQueue: cfg.Queue},
			middleware.FirstErr, log),
		middleware.Recover(),
	)(r.sendAndWait)

	return r
}

// setup declares the command queue and a server-named exclusive reply queue, then starts consuming replies.
func (r *Requester) setup(ctx context.Context, ch Channel, generation uint64) error {
	if err := declareCommandQueue(ch, r.cfg.Queue); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return wrapKind(ErrConsume, err)
	}

	r.mu.Lock()
	r.session = &replySession{queue: q.Name, deliveries: deliveries, generation: generation}
	r.mu.Unlock()
	r.log.V(1).Info("Reply queue declared", "replyQueue", q.Name, "generation", generation)

	return nil
}

// Start opens the connection and launches the response listener and the keeper.
// The background goroutines are started once, also if the first open fails: they reconnect without limit.
func (r *Requester) Start(ctx context.Context) error {
	err := r.cm.Open(ctx)
	if errors.Is(err, ErrClosed) {
		return err
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.listen()
		if r.keeper != nil {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.keeper.Run(r.ctx)
			}()
		}
	})

	return err
}

// Send publishes payload as a command and returns its correlation id.
// The connection is opened (and the listener started) if needed.
func (r *Requester) Send(ctx context.Context, payload string) (string, error) {
	if r.cm.Closed() {
		return "", ErrClosed
	}
	if err := r.Start(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return "", ErrNotOpen
	}

	id := uuid.NewString()
	if err := r.table.Insert(id); err != nil {
		return "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(tracing.MessagingAttributes("publish", r.cfg.Queue, id)...)

	if err := r.publish(ctx, id, session.queue, payload); err != nil {
		r.table.Remove(id)
		r.status.RecordError(err)

		return "", err
	}
	_, log := logger.FromContext(ctx)
	log.V(1).Info("Command sent", logger.KeyCorrelationID, id)

	return id, nil
}

func (r *Requester) publish(ctx context.Context, id string, replyTo string, payload string) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	ch, generation, err := r.cm.Channel()
	if err != nil {
		return wrapKind(ErrPublish, err)
	}
	err = ch.PublishWithContext(ctx,
		"",          // exchange
		r.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			Headers:       tracing.InjectAMQP(ctx, nil),
			ContentType:   contentType,
			DeliveryMode:  amqp.Transient,
			CorrelationId: id,
			ReplyTo:       replyTo,
			AppId:         r.cfg.Name,
			Body:          []byte(payload),
		})
	if err != nil {
		r.cm.MarkDisconnected(generation, err)

		return wrapKind(ErrPublish, err)
	}

	return nil
}

// WaitReply waits at most ReplyTimeout for the reply of id.
// It returns ErrTimeout if no reply arrived; the pending slot is removed in every case.
func (r *Requester) WaitReply(ctx context.Context, id string) (string, error) {
	reply, err := r.table.Wait(ctx, id, r.cfg.ReplyTimeout)
	if err != nil {
		r.log.V(1).Info("No reply", logger.KeyCorrelationID, id, logger.KeyError, logger.ErrString(err))

		return "", err
	}

	return reply, nil
}

// Call sends payload and waits for its reply.
func (r *Requester) Call(ctx context.Context, payload string) (string, error) {
	return r.call(ctx, payload)
}

func (r *Requester) sendAndWait(ctx context.Context, payload string) (string, error) {
	id, err := r.Send(ctx, payload)
	if err != nil {
		return "", err
	}

	return r.WaitReply(ctx, id)
}

// Close stops the background goroutines and closes the connection. A closed Requester cannot be restarted.
func (r *Requester) Close() error {
	err := r.cm.Close()
	r.cancel()
	r.wg.Wait()

	return err
}

func (r *Requester) Status() Snapshot {
	snap := r.status.Snapshot()
	snap.State = r.cm.State().String()

	return snap
}

// ReplyQueue is the name of the current reply queue, empty before the first open.
func (r *Requester) ReplyQueue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}

	return r.session.queue
}

// Pending is the number of requests waiting for a reply.
func (r *Requester) Pending() int {
	return r.table.Len()
}
