package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/cloudevents"
	"github.com/wms-platform/occupation-service/pkg/kafka"
	"github.com/wms-platform/occupation-service/pkg/logging"
)

type stubProducer struct {
	PublishEventFn func(ctx context.Context, topic string, event *cloudevents.WMSCloudEvent) error
}

func (s *stubProducer) PublishEvent(ctx context.Context, topic string, event *cloudevents.WMSCloudEvent) error {
	if s.PublishEventFn != nil {
		return s.PublishEventFn(ctx, topic, event)
	}
	return nil
}

type stubWriter struct {
	messages []kafkago.Message
	err      error
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *stubWriter) Close() error { return nil }

type publishCounter struct {
	ok, failed int
}

func (c *publishCounter) RecordKafkaPublish(_, _ string, success bool, _ time.Duration) {
	if success {
		c.ok++
	} else {
		c.failed++
	}
}

func TestEventPublisher_Publish(t *testing.T) {
	at := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	event := &domain.OccupationStartedEvent{
		WorkUnitID: "WU-1", Operation: "assembly", WorkerID: "W-A", Version: "v1", StartedAt: at,
	}

	var got *cloudevents.WMSCloudEvent
	var topic string
	producer := &stubProducer{PublishEventFn: func(_ context.Context, tp string, ce *cloudevents.WMSCloudEvent) error {
		topic, got = tp, ce
		return nil
	}}
	counter := &publishCounter{}
	publisher := NewEventPublisher(producer, cloudevents.NewEventFactory(cloudevents.SourceOccupation), "", logging.NewNop(), counter)

	ctx := context.WithValue(context.Background(), logging.CorrelationIDKey, "corr-9")
	require.NoError(t, publisher.Publish(ctx, event))

	assert.Equal(t, kafka.Topics.OccupationEvents, topic)
	require.NotNil(t, got)
	assert.Equal(t, cloudevents.OccupationStarted, got.Type)
	assert.Equal(t, "work-unit/WU-1", got.Subject)
	assert.Equal(t, "WU-1", got.WorkUnitID)
	assert.Equal(t, "W-A", got.WorkerID)
	assert.Equal(t, "corr-9", got.CorrelationID)
	assert.Equal(t, at, got.Time)
	assert.Equal(t, 1, counter.ok)
}

func TestEventPublisher_PublishFailure(t *testing.T) {
	producer := &stubProducer{PublishEventFn: func(context.Context, string, *cloudevents.WMSCloudEvent) error {
		return errors.New("leader not available")
	}}
	counter := &publishCounter{}
	publisher := NewEventPublisher(producer, cloudevents.NewEventFactory(cloudevents.SourceOccupation), "custom", nil, counter)

	err := publisher.Publish(context.Background(), &domain.OccupationPausedEvent{WorkUnitID: "WU-1", WorkerID: "W-A"})
	require.Error(t, err)
	assert.Equal(t, "custom", publisher.Topic())
	assert.Equal(t, 1, counter.failed)
}

func TestProducer_WritesBinaryHeaders(t *testing.T) {
	writer := &stubWriter{}
	producer := kafka.NewProducer(kafka.DefaultConfig()).
		WithWriterFactory(func(string) kafka.MessageWriter { return writer })
	publisher := NewEventPublisher(producer, cloudevents.NewEventFactory(cloudevents.SourceOccupation), "", logging.NewNop(), nil)

	err := publisher.Publish(context.Background(), &domain.OccupationCompletedEvent{
		WorkUnitID: "WU-7", Operation: "weld", WorkerID: "W-B", Version: "v4", CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "work-unit/WU-7", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, cloudevents.OccupationCompleted, headers["ce-type"])
	assert.Equal(t, "WU-7", headers["ce-wmsworkunitid"])
	assert.Equal(t, "W-B", headers["ce-wmsworkerid"])
	assert.NotContains(t, headers, "ce-wmscorrelationid")

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "weld", data["operation"])
	assert.Equal(t, "v4", data["version"])
}

func TestLogPublisher_NeverFails(t *testing.T) {
	p := NewLogPublisher(logging.NewNop())
	assert.NoError(t, p.Publish(context.Background(), &domain.OccupationResumedEvent{WorkUnitID: "WU-1"}))
}
