// Package kafka publishes scan domain events to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/eventbus/kafka/tracing"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// Config contains settings for connecting to Kafka and routing scan events.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string `mapstructure:"brokers"`
	// Topic receives every scan domain event.
	Topic string `mapstructure:"topic"`
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string `mapstructure:"client_id"`
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// Header names set on every published record.
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

// NewProducerConfig returns the sarama configuration used by the publisher.
// Records are keyed by scan id so every event of a scan lands on one partition.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V3_6_0_0
	return config
}

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher implements events.DomainEventPublisher on top of a sarama
// SyncProducer. Events are encoded with EncodeEvent.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PublisherMetrics
}

// NewPublisher wraps an existing producer. Metrics may be nil.
func NewPublisher(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "kafka_publisher", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Connect dials the brokers with retries and returns a ready Publisher.
func Connect(
	ctx context.Context,
	cfg Config,
	retry common.RetryConfig,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var producer sarama.SyncProducer
	err := common.ConnectWithRetry(ctx, log, "kafka", retry, func(context.Context) error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		producer = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewPublisher(producer, cfg.Topic, log, metrics, tracer), nil
}

// PublishDomainEvent encodes event and sends it synchronously. A key or
// headers passed as options override the ones carried by the event.
func (p *Publisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()

	params := events.ApplyOptions(opts...)
	key := event.Key
	if params.Key != "" {
		key = params.Key
	}
	span.SetAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.key", key),
	)

	value, err := EncodeEvent(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		p.incError(ctx)
		return fmt.Errorf("failed to encode event %s: %w", event.Type, err)
	}

	headers := make(map[string]string, len(event.Headers)+len(params.Headers))
	maps.Copy(headers, event.Headers)
	maps.Copy(headers, params.Headers)

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(event.Type)},
			{Key: []byte(HeaderEventID), Value: []byte(event.ID.String())},
		},
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		p.incError(ctx)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}

	if p.metrics != nil {
		p.metrics.IncMessagePublished(ctx, p.topic)
	}
	p.logger.Debug(ctx, "Published message to Kafka",
		"partition", partition,
		"offset", offset,
		"event_type", event.Type,
		"key", key,
	)
	return nil
}

func (p *Publisher) incError(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.IncPublishError(ctx, p.topic)
	}
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error { return p.producer.Close() }
