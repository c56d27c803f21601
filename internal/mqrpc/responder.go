package mqrpc

import (
	"context"
	"sync"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/middleware"
	"github.com/pgillich/textrpc/internal/tracing"
)

// Processor computes the reply text of a command body.
type Processor interface {
	Process(payload string) string
}

type ProcessorFunc func(payload string) string

func (f ProcessorFunc) Process(payload string) string {
	return f(payload)
}

var _ Processor = ProcessorFunc(nil)

var (
	errNoReplyTo      = errors.NewPlain("command without reply queue")
	errCommandsClosed = errors.NewPlain("command deliveries closed")
)

const (
	ResponderIdle       = "idle"
	ResponderConnecting = "connecting"
	ResponderServing    = "serving"
	ResponderClosed     = "closed"
)

// Responder is the RPC worker side. It consumes the command queue one message at a time.
type Responder struct {
	cfg    Config
	cm     *ConnManager
	keeper *Keeper
	proc   Processor
	status *Status
	log    logr.Logger
	tracer trace.Tracer
	mws    []middleware.Middleware

	pubMu sync.Mutex

	mu      sync.Mutex
	session *commandSession

	started   atomic.Bool
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type commandSession struct {
	ch         Channel
	deliveries <-chan amqp.Delivery
	generation uint64
}

func NewResponder(cfg Config, dial Dialer, proc Processor, log logr.Logger) *Responder {
	cfg = cfg.withDefaults()
	log = log.WithValues(logger.KeyQueue, cfg.Queue, "role", "responder")
	r := &Responder{
		cfg:    cfg,
		proc:   proc,
		status: NewStatus(),
		log:    log,
		tracer: otel.Tracer(tracing.TracerName),
	}
	r.ctx, r.cancel = context.WithCancel(logger.NewContext(context.Background(), log))
	r.cm = NewConnManager(cfg, dial, r.setup, r.status, log)
	if !cfg.DisableKeepAlive {
		r.keeper = NewKeeper(r.cm, cfg.Heartbeat, r.status, log.WithName("keeper"))
	}
	r.mws = []middleware.Middleware{
		middleware.Metrics("textrpc_commands", "RPC commands served",
			map[string]string{middleware.MetrAttrRole: "responder", middleware.MetrAttrQueue: cfg.Queue},
			middleware.FirstErr, log),
		middleware.Logger(map[string]string{"role": "responder"}, 2, 1),
		middleware.Recover(),
	}

	return r
}

// setup declares the command queue and consumes it with prefetch 1 and manual acknowledge.
func (r *Responder) setup(ctx context.Context, ch Channel, generation uint64) error {
	if err := declareCommandQueue(ch, r.cfg.Queue); err != nil {
		return err
	}
	if err := ch.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	); err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		r.cfg.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return wrapKind(ErrConsume, err)
	}

	r.mu.Lock()
	r.session = &commandSession{ch: ch, deliveries: deliveries, generation: generation}
	r.mu.Unlock()

	return nil
}

// Start opens the connection and launches the serve loop and the keeper once.
// The loops are launched even if the first open fails; they reconnect without limit.
func (r *Responder) Start(ctx context.Context) error {
	r.started.Store(true)
	err := r.cm.Open(ctx)
	if errors.Is(err, ErrClosed) {
		return err
	}
	r.startOnce.Do(func() {
		r.log.Info("Awaiting RPC requests")
		r.wg.Add(1)
		go r.serve()
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

func (r *Responder) serve() {
	defer r.wg.Done()

	for r.ctx.Err() == nil && !r.cm.Closed() {
		session := r.currentSession()
		if session == nil || session.generation != r.cm.Generation() || !r.cm.IsOpen() {
			if err := r.cm.Reconnect(r.ctx); err != nil {
				r.log.V(1).Info("Responder stopped reconnecting", logger.KeyError, logger.ErrString(err))

				return
			}

			continue
		}

		for delivery := range session.deliveries {
			r.handle(session, delivery)
		}

		if r.ctx.Err() != nil || r.cm.Closed() {
			return
		}
		err := wrapKind(ErrConsume, errCommandsClosed)
		r.status.RecordError(err)
		r.log.Error(err, "Command consumer stopped", "generation", session.generation)
		r.cm.MarkDisconnected(session.generation, err)
		r.dropSession(session)
	}
}

// handle replies to one command and acknowledges it, whatever the outcome.
func (r *Responder) handle(session *commandSession, delivery amqp.Delivery) {
	ctx := tracing.ExtractAMQP(r.ctx, delivery.Headers)
	ctx, _ = logger.FromContext(ctx, logger.KeyCorrelationID, delivery.CorrelationId)
	span := middleware.Span(r.tracer, "rpc serve", trace.SpanKindConsumer,
		tracing.MessagingAttributes("process", r.cfg.Queue, delivery.CorrelationId)...)

	_, err := middleware.Chain(append([]middleware.Middleware{span}, r.mws...)...)(
		func(ctx context.Context, payload string) (string, error) {
			return r.reply(ctx, session, delivery.ReplyTo, delivery.CorrelationId, payload)
		})(ctx, string(delivery.Body))

	if ackErr := delivery.Ack(false); ackErr != nil {
		err = errors.Combine(err, wrapKind(ErrConsume, ackErr))
	}
	if err != nil {
		r.status.RecordError(err)

		return
	}
	r.status.RecordProcessed()
}

// reply processes payload and publishes the result to replyTo.
func (r *Responder) reply(ctx context.Context, session *commandSession, replyTo, correlationID, payload string) (string, error) {
	if replyTo == "" {
		return "", wrapKind(ErrProtocol, errNoReplyTo)
	}
	result := r.proc.Process(payload)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	err := session.ch.PublishWithContext(ctx,
		"",      // exchange
		replyTo, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			Headers:       tracing.InjectAMQP(ctx, nil),
			ContentType:   contentType,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			AppId:         r.cfg.Name,
			Body:          []byte(result),
		})
	if err != nil {
		r.cm.MarkDisconnected(session.generation, err)

		return "", wrapKind(ErrPublish, err)
	}

	return result, nil
}

func (r *Responder) currentSession() *commandSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.session
}

func (r *Responder) dropSession(session *commandSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == session {
		r.session = nil
	}
}

// Close stops serving and closes the connection. A closed Responder cannot be restarted.
func (r *Responder) Close() error {
	err := r.cm.Close()
	r.cancel()
	r.wg.Wait()

	return err
}

func (r *Responder) State() string {
	switch {
	case r.cm.Closed():
		return ResponderClosed
	case !r.started.Load():
		return ResponderIdle
	case r.cm.IsOpen():
		return ResponderServing
	default:
		return ResponderConnecting
	}
}

func (r *Responder) Status() Snapshot {
	snap := r.status.Snapshot()
	snap.State = r.State()

	return snap
}
