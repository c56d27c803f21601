package tracing

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = AMQPHeaderCarrier(nil)

// AMQPHeaderCarrier adapts AMQP message headers to propagation.TextMapCarrier.
type AMQPHeaderCarrier amqp.Table

func (c AMQPHeaderCarrier) Get(key string) string {
	v, has := c[key]
	if !has {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func (c AMQPHeaderCarrier) Set(key string, value string) {
	c[key] = value
}

func (c AMQPHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// InjectAMQP writes the trace context and baggage of ctx into headers.
// A nil headers table is allocated.
func InjectAMQP(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, AMQPHeaderCarrier(headers))

	return headers
}

// ExtractAMQP returns ctx extended with the trace context and baggage found in headers.
func ExtractAMQP(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, AMQPHeaderCarrier(headers))
}

// MessagingAttributes describes a RabbitMQ operation on a queue.
func MessagingAttributes(operation string, queue string, correlationID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", queue),
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String("messaging.conversation_id", correlationID))
	}

	return attrs
}
