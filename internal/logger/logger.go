package logger

import (
	"context"
	"sync"

	"emperror.dev/errors"
	"github.com/bombsimon/logrusr/v3"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

const (
	KeyCmd           = "command"
	KeyError         = "error"
	KeyQueue         = "queue"
	KeyCorrelationID = "correlationID"
	KeyState         = "state"
)

var ErrInvalidConfig = errors.NewPlain("invalid config")

var (
	loggers   = map[string]logr.Logger{} //nolint:gochecknoglobals // simple logging
	loggersMu sync.Mutex                 //nolint:gochecknoglobals // simple logging
)

// GetLogger returns the named logger, creating it on first use.
func GetLogger(app string) logr.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, has := loggers[app]; has {
		return logger
	}
	lr := logrus.New()
	lr.Level = logrus.TraceLevel
	lr.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	loggers[app] = logrusr.New(lr).WithName(app)

	return loggers[app]
}

// FromContext returns the logger stored in ctx, extended with values.
// The extended logger is stored back into the returned context.
func FromContext(ctx context.Context, values ...interface{}) (context.Context, logr.Logger) {
	log, err := logr.FromContext(ctx)
	if err != nil {
		log = GetLogger("default")
	}
	if len(values) == 0 {
		return ctx, log
	}
	log = log.WithValues(values...)

	return logr.NewContext(ctx, log), log
}

// ErrString is the log value of err. logrusr would marshal an error struct to JSON.
func ErrString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func NewContext(ctx context.Context, log logr.Logger) context.Context {
	return logr.NewContext(ctx, log)
}
