package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/mqrpc"
)

const (
	DefaultStartupAttempts   = 5
	DefaultStartupRetryDelay = 5 * time.Second
)

// startWithRetry calls start until it succeeds, at most attempts times, waiting delay between the attempts.
// Later faults are handled by the connection managers, which retry forever.
func startWithRetry(ctx context.Context, attempts int, delay time.Duration, log logr.Logger, start func(context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultStartupAttempts
	}
	if delay <= 0 {
		delay = DefaultStartupRetryDelay
	}
	attempt := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		log.Info("Starting services", "attempt", attempt, "of", attempts)

		return start(ctx)
	}, bo, func(err error, next time.Duration) {
		log.Info("Services not started, retrying", logger.KeyError, logger.ErrString(err), "after", next)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServicesNotStarted, err)
	}
	log.Info("Services started")

	return nil
}

// RuntimeStatus is the status of both sides.
type RuntimeStatus struct {
	Client mqrpc.Snapshot  `json:"client"`
	Server *mqrpc.Snapshot `json:"server,omitempty"`
}

// Runtime owns a Requester and, if a Processor is given, an embedded Responder.
type Runtime struct {
	cfg     mqrpc.Config
	dial    mqrpc.Dialer
	proc    mqrpc.Processor
	startup StartupConfig
	log     logr.Logger

	mu        sync.Mutex
	requester *mqrpc.Requester
	responder *mqrpc.Responder
}

func NewRuntime(cfg mqrpc.Config, dial mqrpc.Dialer, proc mqrpc.Processor, startup StartupConfig, log logr.Logger) *Runtime {
	rt := &Runtime{
		cfg:     cfg,
		dial:    dial,
		proc:    proc,
		startup: startup,
		log:     log,
	}
	rt.requester, rt.responder = rt.newInstances()

	return rt
}

func (rt *Runtime) newInstances() (*mqrpc.Requester, *mqrpc.Responder) {
	clientCfg := rt.cfg
	clientCfg.Name = rt.cfg.Name + "-client"
	requester := mqrpc.NewRequester(clientCfg, rt.dial, rt.log.WithName("client"))
	var responder *mqrpc.Responder
	if rt.proc != nil {
		serverCfg := rt.cfg
		serverCfg.Name = rt.cfg.Name + "-server"
		responder = mqrpc.NewResponder(serverCfg, rt.dial, rt.proc, rt.log.WithName("server"))
	}

	return requester, responder
}

// startOnce starts the responder first, then the requester. Both are tried even if the first fails.
func (rt *Runtime) startOnce(ctx context.Context) error {
	rt.mu.Lock()
	requester, responder := rt.requester, rt.responder
	rt.mu.Unlock()

	var serverErr error
	if responder != nil {
		serverErr = errors.WrapIf(responder.Start(ctx), "server")
	}
	clientErr := errors.WrapIf(requester.Start(ctx), "client")

	return errors.Combine(serverErr, clientErr)
}

// Start starts both sides with bounded retry.
func (rt *Runtime) Start(ctx context.Context) error {
	return startWithRetry(ctx, rt.startup.StartupAttempts, rt.startup.StartupRetryDelay, rt.log, rt.startOnce)
}

// Restart closes both sides and starts new instances once.
func (rt *Runtime) Restart(ctx context.Context) error {
	requester, responder := rt.newInstances()
	rt.mu.Lock()
	oldRequester, oldResponder := rt.requester, rt.responder
	rt.requester, rt.responder = requester, responder
	rt.mu.Unlock()

	rt.log.Info("Restarting services")
	if err := closeAll(oldRequester, oldResponder); err != nil {
		rt.log.V(1).Info("Close old services", logger.KeyError, logger.ErrString(err))
	}

	return rt.startOnce(ctx)
}

// Call sends operation:text and waits for the reply.
func (rt *Runtime) Call(ctx context.Context, operation string, text string) (string, error) {
	return rt.Requester().Call(ctx, operation+":"+text)
}

func (rt *Runtime) Requester() *mqrpc.Requester {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.requester
}

func (rt *Runtime) Status() RuntimeStatus {
	rt.mu.Lock()
	requester, responder := rt.requester, rt.responder
	rt.mu.Unlock()

	status := RuntimeStatus{Client: requester.Status()}
	if responder != nil {
		server := responder.Status()
		status.Server = &server
	}

	return status
}

// Connected is true if the client is connected and the embedded server (if any) is serving.
func (rt *Runtime) Connected() bool {
	status := rt.Status()
	if status.Server != nil && status.Server.State != mqrpc.ResponderServing {
		return false
	}

	return status.Client.Connected
}

func (rt *Runtime) Close() error {
	rt.mu.Lock()
	requester, responder := rt.requester, rt.responder
	rt.mu.Unlock()

	return closeAll(requester, responder)
}

func closeAll(requester *mqrpc.Requester, responder *mqrpc.Responder) error {
	var errs []error
	if requester != nil {
		errs = append(errs, requester.Close())
	}
	if responder != nil {
		errs = append(errs, responder.Close())
	}

	return errors.Combine(errs...)
}
