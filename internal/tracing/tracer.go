package tracing

import (
	"context"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"sync"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.11.0"
)

const (
	TracerName = "github.com/pgillich/textrpc"
	Namespace  = "textrpc"

	// Baggage members of a root request, forwarded in AMQP headers.
	BaggageInstance = "instance"
	BaggageCommand  = "command"
	BaggagePid      = "pid"

	disabled = "-"
)

var otelLog = &logr.Logger{} //nolint:gochecknoglobals // otel globals are process wide
var otelOnce sync.Once       //nolint:gochecknoglobals // otel globals are process wide

// SetErrorHandlerLogger sets the logger used by the otel error handler. Must be called before Setup.
func SetErrorHandlerLogger(log *logr.Logger) {
	otelLog = log
}

func setOtelGlobals(log logr.Logger) {
	otelOnce.Do(func() {
		if otelLog.GetSink() == nil {
			otelLog = &log
		}
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			otelLog.Error(err, "OTEL ERROR")
		}))
		otel.SetLogger(*otelLog)
	})
}

// Options describes the traced process. Empty or "-" exporter URLs disable the export.
type Options struct {
	Service   string
	Instance  string
	Command   string
	Version   string
	JaegerURL string
	OtlpURL   string
	Sampler   sdktrace.Sampler
}

// Setup creates the exporter and the TracerProvider, and registers it as the global one.
func Setup(opts Options, log logr.Logger) (*sdktrace.TracerProvider, error) {
	exporter, err := NewExporter(opts.JaegerURL, opts.OtlpURL)
	if err != nil {
		return nil, err
	}

	return NewProvider(exporter, opts, log), nil
}

// NewProvider builds a TracerProvider around exporter, which may be nil.
func NewProvider(exporter sdktrace.SpanExporter, opts Options, log logr.Logger) *sdktrace.TracerProvider {
	sampler := opts.Sampler
	if sampler == nil {
		sampler = sdktrace.AlwaysSample()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNamespaceKey.String(Namespace),
		semconv.ServiceNameKey.String(opts.Service),
		semconv.ServiceInstanceIDKey.String(opts.Instance),
		semconv.ServiceVersionKey.String(opts.Version),
		semconv.ProcessPIDKey.Int(os.Getpid()),
		semconv.MessagingSystemKey.String("rabbitmq"),
	}
	if opts.Command != "" {
		attrs = append(attrs, attribute.String(BaggageCommand, opts.Command))
	}
	providerOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	}
	if exporter != nil {
		providerOptions = append(providerOptions, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(providerOptions...)

	setOtelGlobals(log)
	otel.SetTracerProvider(tp)

	return tp
}

// NewExporter prefers OTLP over Jaeger. Returns nil, nil if both are disabled.
func NewExporter(jaegerURL string, otlpURL string) (sdktrace.SpanExporter, error) {
	switch {
	case enabled(otlpURL):
		endpoint, err := url.ParseRequestURI(otlpURL)
		if err != nil {
			return nil, errors.WrapIfWithDetails(err, "invalid OTLP URL", "url", otlpURL)
		}

		// the HTTP client is started lazily, so the context is not used
		return otlptracehttp.New(context.Background(),
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithEndpoint(endpoint.Host),
			otlptracehttp.WithURLPath(endpoint.Path),
		)
	case enabled(jaegerURL):
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerURL)))
	default:
		return nil, nil
	}
}

func enabled(u string) bool {
	return u != "" && u != disabled
}

// NewBaggage returns the baggage of a root request: instance, command and pid.
func NewBaggage(instance, command string) (baggage.Baggage, error) {
	values := [][2]string{
		{BaggagePid, strconv.Itoa(os.Getpid())},
		{BaggageInstance, instance},
		{BaggageCommand, command},
	}
	members := make([]baggage.Member, 0, len(values))
	for _, kv := range values {
		member, err := baggage.NewMember(kv[0], encodeBaggageValue(kv[1]))
		if err != nil {
			return baggage.Baggage{}, errors.WrapIfWithDetails(err, "invalid baggage member", "key", kv[0])
		}
		members = append(members, member)
	}

	return baggage.New(members...)
}

var invalidBaggageValueRe = regexp.MustCompile(`[^\x21\x23-\x2b\x2d-\x3a\x3c-\x5B\x5D-\x7e]`)

func encodeBaggageValue(value string) string {
	return invalidBaggageValueRe.ReplaceAllString(value, "_")
}
