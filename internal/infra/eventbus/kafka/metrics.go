package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PublisherMetrics tracks successful and failed publishes.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

type publisherMetrics struct {
	published metric.Int64Counter
	errors    metric.Int64Counter
}

// NewPublisherMetrics registers the publisher counters on mp.
func NewPublisherMetrics(mp metric.MeterProvider) (PublisherMetrics, error) {
	meter := mp.Meter("scan_orchestrator.kafka", metric.WithInstrumentationVersion("v0.1.0"))

	published, err := meter.Int64Counter("kafka_messages_published_total",
		metric.WithDescription("Total number of events published to Kafka"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("kafka_publish_errors_total",
		metric.WithDescription("Total number of events that failed to publish"))
	if err != nil {
		return nil, err
	}
	return &publisherMetrics{published: published, errors: errs}, nil
}

func (m *publisherMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *publisherMetrics) IncPublishError(ctx context.Context, topic string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
