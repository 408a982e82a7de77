package cloudevents

import (
	"time"
)

// EventType constants for occupation events
const (
	OccupationStarted   = "wms.occupation.started"
	OccupationResumed   = "wms.occupation.resumed"
	OccupationPaused    = "wms.occupation.paused"
	OccupationCompleted = "wms.occupation.completed"
)

// SourceOccupation is the source of every event this service emits
const SourceOccupation = "/wms/occupation-service"

// WMSCloudEvent represents a CloudEvents v1.0 compliant event for WMS
type WMSCloudEvent struct {
	SpecVersion     string                 `json:"specversion"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	Subject         string                 `json:"subject,omitempty"`
	ID              string                 `json:"id"`
	Time            time.Time              `json:"time"`
	DataContentType string                 `json:"datacontenttype"`
	Data            interface{}            `json:"data"`
	Extensions      map[string]interface{} `json:"-"`

	// WMS-specific extensions
	CorrelationID string `json:"wmscorrelationid,omitempty"`
	WorkUnitID    string `json:"wmsworkunitid,omitempty"`
	WorkerID      string `json:"wmsworkerid,omitempty"`

	// W3C trace context
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Header returns the extension headers to attach to a transport message,
// keyed with the ce- prefix of the Kafka binding.
func (e *WMSCloudEvent) Header() map[string]string {
	h := map[string]string{
		"ce-specversion": e.SpecVersion,
		"ce-type":        e.Type,
		"ce-source":      e.Source,
		"ce-id":          e.ID,
		"ce-time":        e.Time.Format(time.RFC3339),
		"content-type":   e.DataContentType,
	}
	optional := map[string]string{
		"ce-wmscorrelationid": e.CorrelationID,
		"ce-wmsworkunitid":    e.WorkUnitID,
		"ce-wmsworkerid":      e.WorkerID,
		"ce-traceparent":      e.TraceParent,
		"ce-tracestate":       e.TraceState,
	}
	for k, v := range optional {
		if v != "" {
			h[k] = v
		}
	}
	return h
}
