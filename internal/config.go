package internal

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pgillich/textrpc/internal/buildinfo"
	"github.com/pgillich/textrpc/internal/mqrpc"
	"github.com/pgillich/textrpc/internal/tracing"
)

var (
	ErrInvalidServerRunner = errors.NewPlain("invalid server runner")
	ErrServicesNotStarted  = errors.NewPlain("services not started")
)

// BrokerConfig is the broker part of the service configs, filled from flags, env and config file.
type BrokerConfig struct {
	AmqpURL          string
	Queue            string
	Heartbeat        time.Duration
	ReconnectDelay   time.Duration
	ReplyTimeout     time.Duration
	MaxPending       int
	MaxInFlight      int
	DisableKeepAlive bool
}

// MQRPC converts to the mqrpc config. name is the AMQP connection name.
func (c BrokerConfig) MQRPC(name string) mqrpc.Config {
	return mqrpc.Config{
		URL:              c.AmqpURL,
		Queue:            c.Queue,
		Heartbeat:        c.Heartbeat,
		ReconnectDelay:   c.ReconnectDelay,
		ReplyTimeout:     c.ReplyTimeout,
		MaxPending:       c.MaxPending,
		MaxInFlight:      c.MaxInFlight,
		DisableKeepAlive: c.DisableKeepAlive,
		Name:             name,
	}
}

type TracingConfig struct {
	Instance  string
	Command   string
	JaegerURL string
	OtlpURL   string
}

// StartupConfig controls the bounded retry of the first service start.
type StartupConfig struct {
	StartupDelay      time.Duration
	StartupAttempts   int
	StartupRetryDelay time.Duration
}

// initTracing registers the global tracer provider of the service.
func initTracing(cfg TracingConfig, service string, log logr.Logger) (*sdktrace.TracerProvider, error) {
	tp, err := tracing.Setup(tracing.Options{
		Service:   service,
		Instance:  cfg.Instance,
		Command:   cfg.Command,
		Version:   buildinfo.Version,
		JaegerURL: cfg.JaegerURL,
		OtlpURL:   cfg.OtlpURL,
		Sampler:   sdktrace.AlwaysSample(),
	}, log)

	return tp, errors.WrapIf(err, "tracing setup")
}

func shutdownTracing(tp *sdktrace.TracerProvider, log logr.Logger) {
	if err := tp.Shutdown(context.Background()); err != nil {
		log.Error(err, "Tracer shutdown")
	}
}

// withBaggage adds the instance and command baggage of a root request to ctx.
func withBaggage(ctx context.Context, cfg TracingConfig, log logr.Logger) context.Context {
	bag, err := tracing.NewBaggage(cfg.Instance, cfg.Command)
	if err != nil {
		log.Error(err, "unable to set command in baggage")

		return ctx
	}

	return baggage.ContextWithBaggage(ctx, bag)
}
