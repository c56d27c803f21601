package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/pgillich/textrpc/internal/logger"
)

var (
	// ErrPanic is returned instead of a recovered panic.
	ErrPanic = errors.NewPlain("captured panic")
	// ErrBusy is returned if no call slot could be acquired before the context ended.
	ErrBusy = errors.NewPlain("too many calls in flight")
)

const (
	AttrPayloadSize = attribute.Key("textrpc.payload_size")
	AttrReplySize   = attribute.Key("textrpc.reply_size")
)

// Limit bounds the number of concurrent calls by sem.
func Limit(sem *semaphore.Weighted) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload string) (string, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return "", fmt.Errorf("%w: %w", ErrBusy, err)
			}
			defer sem.Release(1)

			return next(ctx, payload)
		}
	}
}

// Span starts a child span per call and sets its status from the returned error.
// The span ID is added to the context logger.
func Span(tr trace.Tracer, spanName string, spanKind trace.SpanKind, attrs ...attribute.KeyValue) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload string) (string, error) {
			ctx, span := tr.Start(ctx, spanName,
				trace.WithSpanKind(spanKind),
				trace.WithAttributes(attrs...),
				trace.WithAttributes(AttrPayloadSize.Int(len(payload))),
			)
			defer span.End()
			ctx, _ = logger.FromContext(ctx, "spanID", span.SpanContext().SpanID().String())

			reply, err := next(ctx, payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetAttributes(AttrReplySize.Int(len(reply)))
			}

			return reply, err
		}
	}
}

// Recover turns a panic of next into an ErrPanic error.
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload string) (reply string, err error) { //nolint:nonamedreturns // recover
			defer func() {
				if panicInfo := recover(); panicInfo != nil {
					reply = ""
					err = fmt.Errorf("%w: %v, %s", ErrPanic, panicInfo, string(debug.Stack()))
				}
			}()

			return next(ctx, payload)
		}
	}
}

// Logger logs the begin and the end of a call at the given verbosity. Failures are always logged.
// The logger extended with values is put into the context.
func Logger(values map[string]string, beginLevel int, endLevel int) Middleware {
	logValues := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		logValues = append(logValues, k, v)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, payload string) (string, error) {
			var log logr.Logger
			ctx, log = logger.FromContext(ctx, logValues...)
			log.V(beginLevel).Info("CALL_BEGIN", "payload", payload)
			begin := time.Now()

			reply, err := next(ctx, payload)

			log = log.WithValues("duration", fmt.Sprintf("%.3f", time.Since(begin).Seconds()))
			if err != nil {
				log.Error(err, "CALL_END")
			} else {
				log.V(endLevel).Info("CALL_END", "reply", reply)
			}

			return reply, err
		}
	}
}

/*
Metrics counts the calls, measures their duration and tracks the calls in flight.

	Prometheus-specific naming:
	The "_total" suffix is appended to the counter name by the exporter.
	The unit "s" is appended as "_seconds" to the duration histogram name.
*/
func Metrics(name string, description string, attributes map[string]string,
	errFormatter ErrFormatter, log logr.Logger,
) Middleware {
	instr, err := instrumentsOf(name, description, log)
	if err != nil {
		log.Error(err, "unable to instantiate metrics", "metricName", name)
		panic(err)
	}
	baseAttrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		baseAttrs = append(baseAttrs, attribute.Key(k).String(v))
	}
	inFlightOpt := withAttributes(baseAttrs)

	return func(next Handler) Handler {
		return func(ctx context.Context, payload string) (string, error) {
			instr.inFlight.Add(ctx, 1, inFlightOpt)
			begin := time.Now()

			reply, err := next(ctx, payload)

			elapsed := time.Since(begin).Seconds()
			instr.inFlight.Add(ctx, -1, inFlightOpt)
			opt := withAttributes(baseAttrs, attribute.Key(MetrAttrErr).String(errFormatter(err)))
			instr.calls.Add(ctx, 1, opt)
			instr.duration.Record(ctx, elapsed, opt)

			return reply, err
		}
	}
}
