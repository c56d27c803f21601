package internal

import (
	"context"
	"fmt"
	"io"
	"os"

	"emperror.dev/errors"
	"github.com/go-logr/logr"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/model"
	"github.com/pgillich/textrpc/internal/mqrpc"
)

var ErrNoReply = errors.NewPlain("command without reply")

type ClientConfig struct {
	BrokerConfig  `mapstructure:",squash"`
	TracingConfig `mapstructure:",squash"`

	Out io.Writer `mapstructure:"-"`
}

// Client sends each argument as a command and prints the replies.
type Client struct {
	config ClientConfig
	dial   mqrpc.Dialer
	log    logr.Logger
	ctx    context.Context //nolint:containedctx // service lifetime
}

func NewClientService(ctx context.Context, cfg interface{}, log logr.Logger) model.Service {
	if config, is := cfg.(*ClientConfig); !is {
		log.Error(logger.ErrInvalidConfig, "config type")
		panic(logger.ErrInvalidConfig)
	} else {
		if config.Out == nil {
			config.Out = os.Stdout
		}

		return &Client{
			config: *config,
			dial:   model.DialerFrom(ctx),
			log:    log,
			ctx:    ctx,
		}
	}
}

func (c *Client) Run(args []string) error {
	c.log.Info("Client start")
	tp, err := initTracing(c.config.TracingConfig, "client", c.log)
	if err != nil {
		return err
	}
	defer shutdownTracing(tp, c.log)

	brokerCfg := c.config.BrokerConfig.MQRPC(c.config.Instance)
	brokerCfg.DisableKeepAlive = true
	if err := brokerCfg.Validate(); err != nil {
		return err
	}
	requester := mqrpc.NewRequester(brokerCfg, c.dial, c.log.WithName("client"))
	defer func() {
		if err := requester.Close(); err != nil {
			c.log.V(1).Info("Requester close", logger.KeyError, logger.ErrString(err))
		}
	}()
	if err := requester.Start(c.ctx); err != nil {
		return err
	}

	ctx := withBaggage(logger.NewContext(c.ctx, c.log), c.config.TracingConfig, c.log)
	var errs []error
	for _, payload := range args {
		reply, err := requester.Call(ctx, payload)
		if err != nil {
			c.log.Error(err, "Call failed", "payload", payload)
			errs = append(errs, errors.WrapIfWithDetails(ErrNoReply, err.Error(), "payload", payload))

			continue
		}
		fmt.Fprintf(c.config.Out, "%s => %s\n", payload, reply) //nolint:errcheck // console
	}
	c.log.Info("Client exit")

	return errors.Combine(errs...)
}
