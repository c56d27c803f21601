package logger

import (
	"net/http"
	"time"

	"emperror.dev/errors"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"
)

const (
	KeyStatus  = "status"
	KeyLatency = "latency"
	KeyTraceID = "traceID"
)

var ErrHandlerPanic = errors.NewPlain("handler panic")

// requestLogger returns the logger of one HTTP request. The trace ID is added if the request is traced.
func requestLogger(log logr.Logger, r *http.Request, values ...interface{}) logr.Logger {
	log = log.WithValues("method", r.Method, "path", r.URL.Path)
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		log = log.WithValues(KeyTraceID, sc.TraceID().String())
	}

	return log.WithValues(values...)
}

// logCompleted writes server errors at error level, client errors at info and the rest at debug.
func logCompleted(log logr.Logger, status int, elapsed time.Duration, err error) {
	log = log.WithValues(KeyStatus, status, KeyLatency, elapsed.String())
	switch {
	case status >= http.StatusInternalServerError:
		if err == nil {
			err = errors.NewPlain(http.StatusText(status))
		}
		log.Error(err, "request failed")
	case status >= http.StatusBadRequest:
		log.Info("request rejected", KeyError, ErrString(err))
	default:
		log.V(1).Info("request served")
	}
}

// EchoMiddleware logs echo requests and puts the request logger into the request context.
func EchoMiddleware(log logr.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqLog := requestLogger(log, c.Request(), "ip", c.RealIP())
			c.SetRequest(c.Request().WithContext(NewContext(c.Request().Context(), reqLog)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logCompleted(reqLog, c.Response().Status, time.Since(start), err)

			return nil
		}
	}
}

// ChiFormatter is a chi middleware.LogFormatter writing to logr.
type ChiFormatter struct {
	Log logr.Logger
}

func (f *ChiFormatter) NewLogEntry(r *http.Request) chimiddleware.LogEntry {
	return &chiEntry{log: requestLogger(f.Log, r, "reqID", chimiddleware.GetReqID(r.Context()))}
}

type chiEntry struct {
	log logr.Logger
}

func (e *chiEntry) Write(status, _ int, _ http.Header, elapsed time.Duration, _ interface{}) {
	logCompleted(e.log, status, elapsed, nil)
}

func (e *chiEntry) Panic(v interface{}, stack []byte) {
	e.log.Error(ErrHandlerPanic, "PANIC", "panic", v, "stack", string(stack))
}
