package cloudevents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wms-platform/occupation-service/pkg/logging"
)

// EventFactory creates CloudEvents for WMS domain events
type EventFactory struct {
	source string
	now    func() time.Time
}

// NewEventFactory creates a new EventFactory for a specific source
func NewEventFactory(source string) *EventFactory {
	return &EventFactory{source: source, now: time.Now}
}

// CreateEvent creates a new WMSCloudEvent with the given parameters. The
// correlation ID and trace context are copied from ctx when present.
func (f *EventFactory) CreateEvent(
	ctx context.Context,
	eventType string,
	subject string,
	data interface{},
) *WMSCloudEvent {
	event := &WMSCloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          f.source,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            f.now().UTC(),
		DataContentType: "application/json",
		Data:            data,
		Extensions:      make(map[string]interface{}),
	}

	if id, ok := ctx.Value(logging.CorrelationIDKey).(string); ok {
		event.CorrelationID = id
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	event.TraceParent = carrier.Get("traceparent")
	event.TraceState = carrier.Get("tracestate")

	return event
}

// CreateOccupationEvent wraps an occupation change. occurredAt overrides the
// event time so that it matches the timestamp written to the record.
func (f *EventFactory) CreateOccupationEvent(
	ctx context.Context,
	eventType string,
	workUnitID string,
	workerID string,
	occurredAt time.Time,
	data interface{},
) *WMSCloudEvent {
	event := f.CreateEvent(ctx, eventType, "work-unit/"+workUnitID, data)
	event.WorkUnitID = workUnitID
	event.WorkerID = workerID
	if !occurredAt.IsZero() {
		event.Time = occurredAt.UTC()
	}
	return event
}
