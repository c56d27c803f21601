package mqrpc_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/mqrpc"
	"github.com/pgillich/textrpc/internal/mqrpc/mqrpctest"
	"github.com/pgillich/textrpc/internal/textop"
)

const (
	requesterName = "requester"
	responderName = "responder"
)

type RPCTestSuite struct {
	suite.Suite

	broker *mqrpctest.Broker
}

func TestRPCTestSuite(t *testing.T) {
	suite.Run(t, new(RPCTestSuite))
}

func (s *RPCTestSuite) SetupTest() {
	s.broker = mqrpctest.NewBroker()
}

func (s *RPCTestSuite) startResponder(proc mqrpc.Processor) *mqrpc.Responder {
	responder := mqrpc.NewResponder(testConfig(responderName), s.broker.Dial, proc, logger.GetLogger(responderName))
	s.Equal(mqrpc.ResponderIdle, responder.State())
	s.Require().NoError(responder.Start(context.Background()))
	s.T().Cleanup(func() { responder.Close() }) //nolint:errcheck,gosec // test cleanup

	return responder
}

func (s *RPCTestSuite) startRequester(options ...func(*mqrpc.Config)) *mqrpc.Requester {
	cfg := testConfig(requesterName)
	for _, option := range options {
		option(&cfg)
	}
	requester := mqrpc.NewRequester(cfg, s.broker.Dial, logger.GetLogger(requesterName))
	s.Require().NoError(requester.Start(context.Background()))
	s.T().Cleanup(func() { requester.Close() }) //nolint:errcheck,gosec // test cleanup

	return requester
}

func withReplyTimeout(timeout time.Duration) func(*mqrpc.Config) {
	return func(cfg *mqrpc.Config) {
		cfg.ReplyTimeout = timeout
	}
}

// gatedProcessor blocks every command until Release.
type gatedProcessor struct {
	gate    chan struct{}
	once    sync.Once
	engine  *textop.Engine
	started chan string
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{
		gate:    make(chan struct{}),
		engine:  textop.New(),
		started: make(chan string, 16),
	}
}

func (p *gatedProcessor) Process(payload string) string {
	p.started <- payload
	<-p.gate

	return p.engine.Process(payload)
}

func (p *gatedProcessor) Release() {
	p.once.Do(func() { close(p.gate) })
}

func (s *RPCTestSuite) startGatedResponder() *gatedProcessor {
	proc := newGatedProcessor()
	s.startResponder(proc)
	// runs before the responder cleanup
	s.T().Cleanup(proc.Release)

	return proc
}

func (s *RPCTestSuite) commandsSettled() bool {
	queue := testConfig("").Queue

	return s.broker.QueueLen(queue) == 0 && s.broker.Unacked(queue) == 0
}

func (s *RPCTestSuite) TestScenarios() {
	responder := s.startResponder(textop.New())
	requester := s.startRequester()

	tests := []struct {
		payload string
		want    string
	}{
		{payload: "mayusculas:hola", want: "HOLA"},
		{payload: "longitud:hola mundo", want: "10"},
		{payload: "contar_palabras:hola mundo como estas", want: "4"},
		{payload: "bogus:texto", want: "ERROR: unknown command 'bogus'"},
		{payload: "sin separador", want: "ERROR: invalid format, expected 'command:text'"},
	}
	for _, tt := range tests {
		reply, err := requester.Call(context.Background(), tt.payload)
		s.NoError(err, tt.payload)
		s.Equal(tt.want, reply, tt.payload)
	}

	s.Eventually(s.commandsSettled, waitFor, tick)
	s.Eventually(func() bool {
		return responder.Status().ProcessedMessages == int64(len(tests))
	}, waitFor, tick)
	s.Zero(s.broker.Unroutable())

	clientStatus := requester.Status()
	s.True(clientStatus.Connected)
	s.Equal("open", clientStatus.State)
	s.Equal(int64(len(tests)), clientStatus.ProcessedMessages)
	s.Zero(clientStatus.Errors)
	s.Zero(requester.Pending())

	serverStatus := responder.Status()
	s.Equal(mqrpc.ResponderServing, serverStatus.State)
	s.Zero(serverStatus.Errors)
}

func (s *RPCTestSuite) TestMessageProperties() {
	s.startResponder(textop.New())
	requester := s.startRequester()

	reply, err := requester.Call(context.Background(), "invertir:abc")
	s.Require().NoError(err)
	s.Equal("cba", reply)

	commands := s.broker.Published(testConfig("").Queue)
	s.Require().Len(commands, 1)
	command := commands[0]
	s.Equal(requester.ReplyQueue(), command.ReplyTo)
	s.NotEmpty(command.CorrelationId)
	s.Equal(amqp.Transient, command.DeliveryMode)
	s.Equal("text/plain", command.ContentType)
	s.Equal(requesterName, command.AppId)
	s.Equal("invertir:abc", string(command.Body))

	replies := s.broker.Published(requester.ReplyQueue())
	s.Require().Len(replies, 1)
	s.Equal(command.CorrelationId, replies[0].CorrelationId)
	s.Equal(amqp.Persistent, replies[0].DeliveryMode)
	s.Equal("cba", string(replies[0].Body))
	s.True(strings.HasPrefix(requester.ReplyQueue(), "amq.gen-"))
}

func (s *RPCTestSuite) TestConcurrentCalls() {
	s.startResponder(textop.New())
	s.startResponder(textop.New())
	requester := s.startRequester()

	const calls = 50
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := requester.Call(context.Background(), fmt.Sprintf("mayusculas:hola-%d", i))
			if err != nil {
				errs <- err

				return
			}
			if want := fmt.Sprintf("HOLA-%d", i); reply != want {
				errs <- fmt.Errorf("got %q, want %q", reply, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Zero(requester.Pending())
	s.Equal(int64(calls), requester.Status().ProcessedMessages)
}

func (s *RPCTestSuite) TestPanicIsAcknowledged() {
	engine := textop.New()
	responder := s.startResponder(mqrpc.ProcessorFunc(func(payload string) string {
		if payload == "explotar:ahora" {
			panic("processor failure")
		}

		return engine.Process(payload)
	}))
	requester := s.startRequester(withReplyTimeout(200 * time.Millisecond))

	_, err := requester.Call(context.Background(), "explotar:ahora")
	s.ErrorIs(err, mqrpc.ErrTimeout)
	s.Eventually(func() bool {
		return responder.Status().Errors == 1
	}, waitFor, tick)
	s.True(s.commandsSettled())

	status := responder.Status()
	s.Require().NotNil(status.LastError)
	s.Contains(*status.LastError, "captured panic")

	reply, err := requester.Call(context.Background(), "mayusculas:sigue")
	s.NoError(err)
	s.Equal("SIGUE", reply)
}

func (s *RPCTestSuite) TestMissingReplyToIsAcknowledged() {
	responder := s.startResponder(textop.New())

	s.True(s.broker.Publish(testConfig("").Queue, amqp.Publishing{
		CorrelationId: "no-reply-to",
		Body:          []byte("mayusculas:hola"),
	}))
	s.Eventually(func() bool {
		return responder.Status().Errors == 1
	}, waitFor, tick)
	s.Eventually(s.commandsSettled, waitFor, tick)
	s.Contains(*responder.Status().LastError, "protocol")
	s.Zero(responder.Status().ProcessedMessages)
}

func (s *RPCTestSuite) TestPrefetchOne() {
	proc := s.startGatedResponder()
	requester := s.startRequester()
	queue := testConfig("").Queue

	ids := make([]string, 0, 3)
	for _, payload := range []string{"mayusculas:a", "mayusculas:b", "mayusculas:c"} {
		id, err := requester.Send(context.Background(), payload)
		s.Require().NoError(err)
		ids = append(ids, id)
	}
	s.Equal("mayusculas:a", <-proc.started)
	s.Equal(1, s.broker.Unacked(queue))
	s.Equal(2, s.broker.QueueLen(queue))

	proc.Release()
	for i, want := range []string{"A", "B", "C"} {
		reply, err := requester.WaitReply(context.Background(), ids[i])
		s.NoError(err)
		s.Equal(want, reply)
	}
	s.Eventually(s.commandsSettled, waitFor, tick)
}

func (s *RPCTestSuite) TestLateReplyAfterDisconnect() {
	proc := s.startGatedResponder()
	requester := s.startRequester(withReplyTimeout(200 * time.Millisecond))
	oldQueue := requester.ReplyQueue()

	id, err := requester.Send(context.Background(), "mayusculas:tarde")
	s.Require().NoError(err)
	s.Equal("mayusculas:tarde", <-proc.started)

	s.Equal(1, s.broker.DropConnections(requesterName))
	_, err = requester.WaitReply(context.Background(), id)
	s.ErrorIs(err, mqrpc.ErrTimeout)
	s.Zero(requester.Pending())

	s.Eventually(func() bool {
		return requester.Status().State == "open" && requester.ReplyQueue() != oldQueue
	}, waitFor, tick)
	s.False(s.broker.HasQueue(oldQueue))

	// the reply of the worker goes to the deleted queue
	proc.Release()
	s.Eventually(func() bool {
		return s.broker.Unroutable() == 1
	}, waitFor, tick)

	// a stray reply reaching the new queue is dropped
	s.True(s.broker.Publish(requester.ReplyQueue(), amqp.Publishing{CorrelationId: id, Body: []byte("TARDE")}))
	s.Eventually(func() bool {
		return requester.Status().DroppedReplies == 1
	}, waitFor, tick)

	reply, err := requester.Call(context.Background(), "mayusculas:otra vez")
	s.NoError(err)
	s.Equal("OTRA VEZ", reply)
	s.GreaterOrEqual(requester.Status().Errors, int64(1))
}

func (s *RPCTestSuite) TestUnackedCommandIsRedelivered() {
	proc := s.startGatedResponder()
	requester := s.startRequester()

	id, err := requester.Send(context.Background(), "minusculas:OTRA")
	s.Require().NoError(err)
	s.Equal("minusculas:OTRA", <-proc.started)

	// the blocked delivery is requeued, its late ack fails on the dead channel
	s.Equal(1, s.broker.DropConnections(responderName))
	proc.Release()

	reply, err := requester.WaitReply(context.Background(), id)
	s.NoError(err)
	s.Equal("otra", reply)
	s.Equal("minusculas:OTRA", <-proc.started)
}

func (s *RPCTestSuite) TestResponderReconnects() {
	responder := s.startResponder(textop.New())
	requester := s.startRequester()

	s.Equal(1, s.broker.DropConnections(responderName))
	s.Eventually(func() bool {
		return responder.State() == mqrpc.ResponderServing && s.broker.Consumers(testConfig("").Queue) == 1
	}, waitFor, tick)

	reply, err := requester.Call(context.Background(), "titulo:hola mundo")
	s.NoError(err)
	s.Equal("Hola Mundo", reply)
	s.NotNil(responder.Status().LastReconnect)
}

func (s *RPCTestSuite) TestResponderServesAfterFailedStart() {
	s.broker.SetReachable(false)
	responder := mqrpc.NewResponder(testConfig(responderName), s.broker.Dial, textop.New(), logger.GetLogger(responderName))
	defer responder.Close() //nolint:errcheck // test

	s.ErrorIs(responder.Start(context.Background()), mqrpc.ErrConnect)
	s.Equal(mqrpc.ResponderConnecting, responder.State())

	s.broker.SetReachable(true)
	s.Eventually(func() bool {
		return responder.State() == mqrpc.ResponderServing && s.broker.Consumers(testConfig("").Queue) == 1
	}, waitFor, tick)

	requester := s.startRequester()
	reply, err := requester.Call(context.Background(), "invertir:hola")
	s.NoError(err)
	s.Equal("aloh", reply)
}

func (s *RPCTestSuite) TestSendUnreachable() {
	s.broker.SetReachable(false)
	requester := mqrpc.NewRequester(testConfig(requesterName), s.broker.Dial, logger.GetLogger(requesterName))
	defer requester.Close() //nolint:errcheck // test

	s.ErrorIs(requester.Start(context.Background()), mqrpc.ErrConnect)
	_, err := requester.Send(context.Background(), "mayusculas:hola")
	s.ErrorIs(err, mqrpc.ErrConnect)
	s.GreaterOrEqual(requester.Status().Errors, int64(2))
	s.False(requester.Status().Connected)
	s.Zero(requester.Pending())

	s.broker.SetReachable(true)
	_, err = requester.Send(context.Background(), "mayusculas:hola")
	s.NoError(err)
	s.Equal(1, requester.Pending())
}

func (s *RPCTestSuite) TestTableFull() {
	requester := s.startRequester(func(cfg *mqrpc.Config) {
		cfg.MaxPending = 1
	})

	_, err := requester.Send(context.Background(), "mayusculas:uno")
	s.NoError(err)
	_, err = requester.Send(context.Background(), "mayusculas:dos")
	s.ErrorIs(err, mqrpc.ErrTableFull)
}

func (s *RPCTestSuite) TestCloseIsTerminal() {
	responder := s.startResponder(textop.New())
	requester := s.startRequester()

	s.NoError(requester.Close())
	s.NoError(responder.Close())
	_, err := requester.Send(context.Background(), "mayusculas:hola")
	s.ErrorIs(err, mqrpc.ErrClosed)
	s.Equal("closing", requester.Status().State)
	s.Equal(mqrpc.ResponderClosed, responder.State())
	s.Zero(s.broker.Connections())
}
