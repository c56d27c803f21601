package model

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/pgillich/textrpc/internal/mqrpc"
)

type ctxKey int

const (
	ctxKeyCommandLine ctxKey = iota
	ctxKeyServerRunner
	ctxKeyDialer
)

// NewService creates a cobra sub-command service from its unmarshalled config.
type NewService func(ctx context.Context, config interface{}, log logr.Logger) Service

type Service interface {
	Run(args []string) error
}

// ServerRunner serves h on addr until shutdown is closed.
type ServerRunner func(h http.Handler, shutdown <-chan struct{}, addr string, l logr.Logger)

func WithCommandLine(ctx context.Context, commandLine string) context.Context {
	return context.WithValue(ctx, ctxKeyCommandLine, commandLine)
}

// CommandLine is the full command line of the process, used in tracing baggage.
func CommandLine(ctx context.Context) string {
	commandLine, _ := ctx.Value(ctxKeyCommandLine).(string) //nolint:errcheck // empty if unset

	return commandLine
}

func WithServerRunner(ctx context.Context, runner ServerRunner) context.Context {
	return context.WithValue(ctx, ctxKeyServerRunner, runner)
}

func ServerRunnerFrom(ctx context.Context) (ServerRunner, bool) {
	runner, is := ctx.Value(ctxKeyServerRunner).(ServerRunner)

	return runner, is && runner != nil
}

// WithDialer overrides the AMQP dialer of the services started with ctx.
func WithDialer(ctx context.Context, dial mqrpc.Dialer) context.Context {
	return context.WithValue(ctx, ctxKeyDialer, dial)
}

// DialerFrom returns nil if no dialer override is set, meaning the real AMQP dialer.
func DialerFrom(ctx context.Context) mqrpc.Dialer {
	dial, _ := ctx.Value(ctxKeyDialer).(mqrpc.Dialer) //nolint:errcheck // nil if unset

	return dial
}
