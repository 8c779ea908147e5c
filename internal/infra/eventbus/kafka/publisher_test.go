package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

type countingMetrics struct {
	published, errors int
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.published++ }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.errors++ }

func headerValue(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func newStatusEvent() events.DomainEvent {
	evt := events.NewDomainEvent(events.EventTypeScanStatusChanged, "42", events.ScanStatusChanged{
		ScanID:    42,
		Extension: "redhat.java@1.2.3",
		From:      "SCANNING",
		To:        "PASSED",
	})
	evt.Headers = map[string]string{"source": "orchestrator"}
	return evt
}

func TestPublisher_PublishDomainEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := new(countingMetrics)
	pub := NewPublisher(producer, "scan-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	evt := newStatusEvent()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "scan-events", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "42", string(key))

		assert.Equal(t, string(events.EventTypeScanStatusChanged), headerValue(msg, HeaderEventType))
		assert.Equal(t, evt.ID.String(), headerValue(msg, HeaderEventID))
		assert.Equal(t, "orchestrator", headerValue(msg, "source"))
		assert.Equal(t, "abc", headerValue(msg, "request_id"))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		typ, ts, payload, err := DecodeEvent(value)
		require.NoError(t, err)
		assert.Equal(t, events.EventTypeScanStatusChanged, typ)
		assert.WithinDuration(t, evt.Timestamp, ts, time.Millisecond)
		assert.Equal(t, float64(42), payload["scan_id"])
		assert.Equal(t, "PASSED", payload["to"])
		return nil
	})

	err := pub.PublishDomainEvent(context.Background(), evt, events.WithHeaders(map[string]string{"request_id": "abc"}))
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.published)
	require.NoError(t, pub.Close())
}

func TestPublisher_KeyOptionOverridesEventKey(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewPublisher(producer, "scan-events", logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "override" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})

	require.NoError(t, pub.PublishDomainEvent(context.Background(), newStatusEvent(), events.WithKey("override")))
	require.NoError(t, pub.Close())
}

func TestPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	metrics := new(countingMetrics)
	pub := NewPublisher(producer, "scan-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := pub.PublishDomainEvent(context.Background(), newStatusEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Equal(t, 1, metrics.errors)
	assert.Zero(t, metrics.published)
	require.NoError(t, pub.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Topic: "t"}.Validate())
	assert.Error(t, Config{Brokers: []string{"localhost:9092"}}.Validate())
	assert.NoError(t, Config{Brokers: []string{"localhost:9092"}, Topic: "t"}.Validate())
}

func TestDecodeEvent_RejectsGarbage(t *testing.T) {
	_, _, _, err := DecodeEvent([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
