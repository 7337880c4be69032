package udm

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/queueobs/queueobs/pkg/qerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UDM event types emitted by the transformer.
const (
	EventBrokerSample   = "MessageQueueBrokerSample"
	EventTopicSample    = "MessageQueueTopicSample"
	EventOffsetSample   = "MessageQueueOffsetSample"
	EventConsumerSample = "MessageQueueConsumerSample"
	EventEntity         = "MessageQueue"
	EventRelationship   = "MessageQueueRelationshipSample"
)

// DefaultSkewTolerance is how far an event timestamp may drift from wall
// clock before the event is rejected.
const DefaultSkewTolerance = 15 * time.Minute

// Event is a flat UDM event: fixed header fields plus string identity
// attributes and numeric metrics. It marshals to a single flat JSON object
// as required by the events ingest endpoint.
type Event struct {
	EventType   string
	EntityGUID  string
	Timestamp   int64 // epoch milliseconds
	Provider    string
	ClusterName string

	// Identity carries entity identity attributes (broker.id, topic, ...).
	Identity map[string]string
	// Metrics carries the flat numeric metric mapping.
	Metrics map[string]float64
}

// NewEvent builds an event header stamped at ts.
func NewEvent(eventType, guid, provider, clusterName string, ts time.Time) *Event {
	return &Event{
		EventType:   eventType,
		EntityGUID:  guid,
		Timestamp:   ts.UnixMilli(),
		Provider:    provider,
		ClusterName: clusterName,
		Identity:    map[string]string{},
		Metrics:     map[string]float64{},
	}
}

// Validate enforces the invariants every published event must satisfy:
// non-empty entityGuid, a provider literal, and a timestamp within skew of
// now.
func (e *Event) Validate(now time.Time, skew time.Duration) error {
	if e.EntityGUID == "" {
		return qerr.E(qerr.KindValidationFailed, "event %s missing entityGuid", e.EventType)
	}
	if e.Provider == "" {
		return qerr.E(qerr.KindValidationFailed, "event %s missing provider", e.EventType)
	}
	if skew <= 0 {
		skew = DefaultSkewTolerance
	}
	ts := time.UnixMilli(e.Timestamp)
	if ts.Before(now.Add(-skew)) || ts.After(now.Add(skew)) {
		return qerr.E(qerr.KindValidationFailed, "event %s timestamp %s outside ±%s of now", e.EventType, ts, skew)
	}
	return nil
}

// MarshalJSON flattens the event into the ingest wire shape. The GUID is
// written under both entityGuid and entity.guid: the event schema names the
// former, UI-visibility predicates check the latter.
func (e *Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Identity)+len(e.Metrics)+6)
	flat["eventType"] = e.EventType
	flat["entityGuid"] = e.EntityGUID
	flat["entity.guid"] = e.EntityGUID
	flat["timestamp"] = e.Timestamp
	flat["provider"] = e.Provider
	if e.ClusterName != "" {
		flat["clusterName"] = e.ClusterName
	}
	for k, v := range e.Identity {
		flat[k] = v
	}
	for k, v := range e.Metrics {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// Metric is a dimensional metric for the metrics ingest endpoint.
type Metric struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"` // gauge or count
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// Gauge builds a gauge metric stamped at ts.
func Gauge(name string, value float64, attrs map[string]string, ts time.Time) Metric {
	return Metric{Name: name, Type: "gauge", Value: value, Attributes: attrs, Timestamp: ts.UnixMilli()}
}

// Count builds a count metric stamped at ts.
func Count(name string, value float64, attrs map[string]string, ts time.Time) Metric {
	return Metric{Name: name, Type: "count", Value: value, Attributes: attrs, Timestamp: ts.UnixMilli()}
}
