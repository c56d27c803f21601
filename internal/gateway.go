package internal

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/model"
	"github.com/pgillich/textrpc/internal/mqrpc"
	"github.com/pgillich/textrpc/internal/textop"
)

type GatewayConfig struct {
	BrokerConfig  `mapstructure:",squash"`
	TracingConfig `mapstructure:",squash"`
	StartupConfig `mapstructure:",squash"`

	ListenAddr     string
	EmbeddedWorker bool
}

// Gateway is the JSON HTTP front of a Runtime.
type Gateway struct {
	config       GatewayConfig
	serverRunner model.ServerRunner
	dial         mqrpc.Dialer
	engine       *textop.Engine
	runtime      *Runtime
	log          logr.Logger
	shutdown     <-chan struct{}
}

func NewGatewayService(ctx context.Context, cfg interface{}, log logr.Logger) model.Service {
	if config, is := cfg.(*GatewayConfig); !is {
		log.Error(logger.ErrInvalidConfig, "config type")
		panic(logger.ErrInvalidConfig)
	} else if serverRunner, is := model.ServerRunnerFrom(ctx); !is {
		log.Error(ErrInvalidServerRunner, "server runner config")
		panic(ErrInvalidServerRunner)
	} else {
		return &Gateway{
			config:       *config,
			serverRunner: serverRunner,
			dial:         model.DialerFrom(ctx),
			engine:       textop.New(),
			log:          log,
			shutdown:     ctx.Done(),
		}
	}
}

type processRequest struct {
	Operation string `json:"operation" form:"operation" query:"operation"`
	Text      string `json:"text" form:"text" query:"text"`
}

type processResponse struct {
	Success   bool   `json:"success"`
	Operation string `json:"operation,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type gatewayStatus struct {
	RuntimeStatus
	Rabbit mqrpc.BrokerInfo `json:"rabbit"`
}

type healthResponse struct {
	App               string `json:"app"`
	ClientConnected   bool   `json:"client_connected"`
	ServerRunning     bool   `json:"server_running"`
	ProcessedMessages int64  `json:"processed_messages"`
}

type restartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Gateway) Run(args []string) error {
	s.log = s.log.WithValues("args", args)
	s.log.Info("Gateway start")
	if err := s.engine.Validate(); err != nil {
		return err
	}
	tp, err := initTracing(s.config.TracingConfig, "gateway", s.log)
	if err != nil {
		return err
	}
	defer shutdownTracing(tp, s.log)

	brokerCfg := s.config.BrokerConfig.MQRPC(s.config.Instance)
	if err := brokerCfg.Validate(); err != nil {
		return err
	}
	var proc mqrpc.Processor
	if s.config.EmbeddedWorker {
		proc = s.engine
	}
	s.runtime = NewRuntime(brokerCfg, s.dial, proc, s.config.StartupConfig, s.log.WithName("runtime"))
	defer func() {
		if err := s.runtime.Close(); err != nil {
			s.log.V(1).Info("Runtime close", logger.KeyError, logger.ErrString(err))
		}
	}()

	startCtx, cancelStart := context.WithCancel(logger.NewContext(context.Background(), s.log))
	defer cancelStart()
	go func() {
		if err := waitOrDone(startCtx, s.config.StartupDelay); err != nil {
			return
		}
		if err := s.runtime.Start(startCtx); err != nil {
			s.log.Error(err, "Services could not be started, use /restart")
		}
	}()

	s.serverRunner(otelhttp.NewHandler(s.router(), "gateway"), s.shutdown, s.config.ListenAddr, s.log)
	s.log.Info("Gateway exit")

	return nil
}

func (s *Gateway) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(logger.EchoMiddleware(s.log))
	e.Use(middleware.Recover())
	e.POST("/process", s.process)
	e.GET("/status", s.status)
	e.GET("/health", s.health)
	e.POST("/restart", s.restart)
	e.GET("/operations", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.engine.Operations()) //nolint:wrapcheck // Echo
	})
	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong") //nolint:wrapcheck // Echo
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

func (s *Gateway) process(c echo.Context) error {
	req := processRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, processResponse{Error: err.Error()}) //nolint:wrapcheck // Echo
	}
	if req.Operation == "" || req.Text == "" {
		return c.JSON(http.StatusBadRequest, processResponse{Error: "operation and text are required"}) //nolint:wrapcheck // Echo
	}

	ctx := withBaggage(c.Request().Context(), s.config.TracingConfig, s.log)
	result, err := s.runtime.Call(ctx, req.Operation, req.Text)
	if err != nil {
		statusCode := http.StatusServiceUnavailable
		if errors.Is(err, mqrpc.ErrTimeout) {
			statusCode = http.StatusGatewayTimeout
		}

		return c.JSON(statusCode, processResponse{Error: err.Error()}) //nolint:wrapcheck // Echo
	}

	return c.JSON(http.StatusOK, processResponse{ //nolint:wrapcheck // Echo
		Success:   true,
		Operation: s.operationName(req.Operation),
		Result:    result,
	})
}

func (s *Gateway) operationName(id string) string {
	for _, op := range s.engine.Operations() {
		if op.ID == id {
			return op.Name
		}
	}

	return id
}

func (s *Gateway) status(c echo.Context) error {
	return c.JSON(http.StatusOK, gatewayStatus{ //nolint:wrapcheck // Echo
		RuntimeStatus: s.runtime.Status(),
		Rabbit:        s.config.BrokerConfig.MQRPC("").BrokerInfo(),
	})
}

func (s *Gateway) health(c echo.Context) error {
	status := s.runtime.Status()
	health := healthResponse{
		App:               "ok",
		ClientConnected:   status.Client.Connected,
		ServerRunning:     s.runtime.Connected(),
		ProcessedMessages: status.Client.ProcessedMessages,
	}
	if status.Server != nil {
		health.ServerRunning = status.Server.State == mqrpc.ResponderServing
		health.ProcessedMessages += status.Server.ProcessedMessages
	}

	return c.JSON(http.StatusOK, health) //nolint:wrapcheck // Echo
}

func (s *Gateway) restart(c echo.Context) error {
	if err := s.runtime.Restart(c.Request().Context()); err != nil {
		return c.JSON(http.StatusOK, restartResponse{Status: "error", Message: err.Error()}) //nolint:wrapcheck // Echo
	}

	return c.JSON(http.StatusOK, restartResponse{Status: "success", Message: "services restarted"}) //nolint:wrapcheck // Echo
}

func waitOrDone(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
