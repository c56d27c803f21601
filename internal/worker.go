package internal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/model"
	"github.com/pgillich/textrpc/internal/mqrpc"
	"github.com/pgillich/textrpc/internal/textop"
)

type WorkerConfig struct {
	BrokerConfig  `mapstructure:",squash"`
	TracingConfig `mapstructure:",squash"`
	StartupConfig `mapstructure:",squash"`

	ListenAddr string
}

// Worker serves the command queue and exposes its status over HTTP.
type Worker struct {
	config       WorkerConfig
	serverRunner model.ServerRunner
	dial         mqrpc.Dialer
	log          logr.Logger
	shutdown     <-chan struct{}
}

func NewWorkerService(ctx context.Context, cfg interface{}, log logr.Logger) model.Service {
	if config, is := cfg.(*WorkerConfig); !is {
		log.Error(logger.ErrInvalidConfig, "config type")
		panic(logger.ErrInvalidConfig)
	} else if serverRunner, is := model.ServerRunnerFrom(ctx); !is {
		log.Error(ErrInvalidServerRunner, "server runner config")
		panic(ErrInvalidServerRunner)
	} else {
		return &Worker{
			config:       *config,
			serverRunner: serverRunner,
			dial:         model.DialerFrom(ctx),
			log:          log,
			shutdown:     ctx.Done(),
		}
	}
}

func (s *Worker) Run(args []string) error {
	s.log = s.log.WithValues("args", args)
	s.log.Info("Worker start")
	engine := textop.New()
	if err := engine.Validate(); err != nil {
		return err
	}
	tp, err := initTracing(s.config.TracingConfig, "worker", s.log)
	if err != nil {
		return err
	}
	defer shutdownTracing(tp, s.log)

	brokerCfg := s.config.BrokerConfig.MQRPC(s.config.Instance)
	if err := brokerCfg.Validate(); err != nil {
		return err
	}
	responder := mqrpc.NewResponder(brokerCfg, s.dial, engine, s.log.WithName("server"))
	defer func() {
		if err := responder.Close(); err != nil {
			s.log.V(1).Info("Responder close", logger.KeyError, logger.ErrString(err))
		}
	}()

	startCtx, cancelStart := context.WithCancel(logger.NewContext(context.Background(), s.log))
	defer cancelStart()
	go func() {
		if err := waitOrDone(startCtx, s.config.StartupDelay); err != nil {
			return
		}
		if err := startWithRetry(startCtx, s.config.StartupAttempts, s.config.StartupRetryDelay, s.log, responder.Start); err != nil {
			s.log.Error(err, "Worker could not be started")
		}
	}()

	s.serverRunner(s.router(responder, brokerCfg), s.shutdown, s.config.ListenAddr, s.log)
	s.log.Info("Worker exit")

	return nil
}

func (s *Worker) router(responder *mqrpc.Responder, brokerCfg mqrpc.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RequestLogger(&logger.ChiFormatter{Log: s.log}))
	r.Use(chimiddleware.Recoverer)
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		s.writeJSON(w, http.StatusOK, struct {
			Server mqrpc.Snapshot   `json:"server"`
			Rabbit mqrpc.BrokerInfo `json:"rabbit"`
		}{
			Server: responder.Status(),
			Rabbit: brokerCfg.BrokerInfo(),
		})
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := responder.Status()
		statusCode := http.StatusOK
		if status.State != mqrpc.ResponderServing {
			statusCode = http.StatusServiceUnavailable
		}
		s.writeJSON(w, statusCode, healthResponse{
			App:               "ok",
			ServerRunning:     status.State == mqrpc.ResponderServing,
			ProcessedMessages: status.ProcessedMessages,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (s *Worker) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error(err, "unable to write response")
	}
}
