package tracing

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/textrpc/internal/logger"
)

func TestAMQPHeaderCarrier(t *testing.T) {
	c := AMQPHeaderCarrier(amqp.Table{"a": "1", "b": []byte("2"), "c": int32(3)})
	assert.Equal(t, "1", c.Get("a"))
	assert.Equal(t, "2", c.Get("b"))
	assert.Equal(t, "3", c.Get("c"))
	assert.Equal(t, "", c.Get("missing"))
	c.Set("d", "4")
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, c.Keys())
}

func TestInjectExtractAMQP(t *testing.T) {
	log := logger.GetLogger(t.Name())
	tp := NewProvider(nil, Options{Service: "test", Instance: "test-1", Version: "test"}, log)
	defer tp.Shutdown(context.Background()) //nolint:errcheck // test
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	bag, err := NewBaggage("test-1", "client mayusculas:hola")
	require.NoError(t, err)
	ctx := baggage.ContextWithBaggage(context.Background(), bag)
	ctx, span := tp.Tracer(TracerName).Start(ctx, "OUT")
	defer span.End()

	headers := InjectAMQP(ctx, nil)
	assert.Contains(t, headers, "traceparent")

	extracted := ExtractAMQP(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
	assert.Equal(t, "client_mayusculas:hola", baggage.FromContext(extracted).Member(BaggageCommand).Value())
}

func TestExtractAMQPNilHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractAMQP(ctx, nil))
}

func TestNewBaggage(t *testing.T) {
	bag, err := NewBaggage("gw 1", "")
	require.NoError(t, err)
	assert.Equal(t, "gw_1", bag.Member(BaggageInstance).Value())
	assert.NotEmpty(t, bag.Member(BaggagePid).Value())
}

func TestNewExporterDisabled(t *testing.T) {
	exporter, err := NewExporter("-", "")
	require.NoError(t, err)
	assert.Nil(t, exporter)

	_, err = NewExporter("", "not a url")
	assert.Error(t, err)
}
