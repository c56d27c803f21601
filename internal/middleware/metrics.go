package middleware

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metric_api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const (
	MetrAttrErr   = "error"
	MetrAttrRole  = "role"
	MetrAttrQueue = "queue"

	meterName = "github.com/pgillich/textrpc/internal/middleware"
)

// instruments of one call metric, shared by every middleware created with the same name.
type instruments struct {
	calls    metric_api.Int64Counter
	duration metric_api.Float64Histogram
	inFlight metric_api.Int64UpDownCounter
}

//nolint:gochecknoglobals // process wide
var (
	meter      metric_api.Meter
	meterOnce  sync.Once
	registry   = map[string]*instruments{}
	registryMu sync.Mutex
)

// GetMeter returns the process meter, exported on the default Prometheus registry.
func GetMeter(log logr.Logger) metric_api.Meter {
	meterOnce.Do(func() {
		exporter, err := prometheus.New()
		if err != nil {
			log.Error(err, "unable to instantiate prometheus exporter")
			panic(err)
		}
		provider := metric.NewMeterProvider(metric.WithReader(exporter))
		meter = provider.Meter(meterName, metric_api.WithInstrumentationVersion("0.1"))
	})

	return meter
}

// instrumentsOf registers the instruments of name once. Prometheus rejects a second registration.
func instrumentsOf(name string, description string, log logr.Logger) (*instruments, error) {
	m := GetMeter(log)
	registryMu.Lock()
	defer registryMu.Unlock()
	if instr, has := registry[name]; has {
		return instr, nil
	}

	calls, err := m.Int64Counter(name, metric_api.WithDescription(description))
	if err != nil {
		return nil, fmt.Errorf("unable to register counter %s: %w", name, err)
	}
	duration, err := m.Float64Histogram(name+"_duration",
		metric_api.WithDescription(description+", duration"), metric_api.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("unable to register histogram %s: %w", name, err)
	}
	inFlight, err := m.Int64UpDownCounter(name+"_in_flight", metric_api.WithDescription(description+", in flight"))
	if err != nil {
		return nil, fmt.Errorf("unable to register gauge %s: %w", name, err)
	}
	registry[name] = &instruments{calls: calls, duration: duration, inFlight: inFlight}

	return registry[name], nil
}

func withAttributes(base []attribute.KeyValue, extra ...attribute.KeyValue) metric_api.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(base)+len(extra))

	return metric_api.WithAttributes(append(append(attrs, base...), extra...)...)
}

// ErrFormatter formats the error attribute of the call metrics.
type ErrFormatter func(error) string

// NoErr skips the error label.
func NoErr(error) string {
	return ""
}

// FullErr returns the full error text. Mind the label cardinality.
func FullErr(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// FirstErr returns the error text before the first ':', which is the error kind of wrapped errors.
func FirstErr(err error) string {
	if err == nil {
		return ""
	}

	return strings.SplitN(err.Error(), ":", 2)[0]
}
