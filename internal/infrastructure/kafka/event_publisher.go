package kafka

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/cloudevents"
	"github.com/wms-platform/occupation-service/pkg/kafka"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/tracing"
)

// EventProducer publishes CloudEvents to a topic
type EventProducer interface {
	PublishEvent(ctx context.Context, topic string, event *cloudevents.WMSCloudEvent) error
}

// PublishObserver records publish latency and outcome
type PublishObserver interface {
	RecordKafkaPublish(topic, eventType string, success bool, duration time.Duration)
}

// EventPublisher implements domain.NotificationSink on Kafka
type EventPublisher struct {
	producer     EventProducer
	eventFactory *cloudevents.EventFactory
	topic        string
	tracer       trace.Tracer
	logger       *logging.Logger
	observer     PublishObserver
}

var _ domain.NotificationSink = (*EventPublisher)(nil)

// NewEventPublisher creates a new Kafka-based event publisher
func NewEventPublisher(
	producer EventProducer,
	eventFactory *cloudevents.EventFactory,
	topic string,
	logger *logging.Logger,
	observer PublishObserver,
) *EventPublisher {
	if topic == "" {
		topic = kafka.Topics.OccupationEvents
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &EventPublisher{
		producer:     producer,
		eventFactory: eventFactory,
		topic:        topic,
		tracer:       otel.Tracer("occupation-service/kafka"),
		logger:       logger.WithComponent("event-publisher"),
		observer:     observer,
	}
}

// Publish publishes a single domain event to Kafka
func (p *EventPublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	ce := p.eventFactory.CreateOccupationEvent(ctx, event.EventType(), event.WorkUnit(), workerOf(event), event.OccurredAt(), event)

	ctx, span := tracing.StartTimedSpan(ctx, p.tracer, "kafka.publish", tracing.MessagingSpanAttributes("kafka", p.topic, "publish")...)
	err := p.producer.PublishEvent(ctx, p.topic, ce)
	d := span.EndWithError(err)

	if p.observer != nil {
		p.observer.RecordKafkaPublish(p.topic, ce.Type, err == nil, d)
	}
	p.logger.KafkaPublish(ctx, p.topic, ce.Type, err == nil, d)

	if err != nil {
		return fmt.Errorf("failed to publish event to kafka: %w", err)
	}
	return nil
}

// Topic returns the topic this publisher publishes to
func (p *EventPublisher) Topic() string {
	return p.topic
}

func workerOf(event domain.DomainEvent) string {
	switch e := event.(type) {
	case *domain.OccupationStartedEvent:
		return e.WorkerID
	case *domain.OccupationResumedEvent:
		return e.WorkerID
	case *domain.OccupationPausedEvent:
		return e.WorkerID
	case *domain.OccupationCompletedEvent:
		return e.WorkerID
	}
	return ""
}

// LogPublisher writes events to the structured log instead of a broker.
// It never fails.
type LogPublisher struct {
	logger *logging.Logger
}

var _ domain.NotificationSink = (*LogPublisher)(nil)

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogPublisher{logger: logger.WithComponent("event-log")}
}

// Publish logs event
func (p *LogPublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	p.logger.Event(ctx, event.EventType(), map[string]any{
		"workUnitId": event.WorkUnit(),
		"workerId":   workerOf(event),
		"occurredAt": event.OccurredAt(),
		"payload":    event,
	})
	return nil
}
