package entity

import (
	"time"

	"github.com/queueobs/queueobs/pkg/qerr"
)

// Type identifies the entity variant; the value doubles as the first GUID
// segment.
type Type string

const (
	TypeCluster       Type = "MESSAGE_QUEUE_CLUSTER"
	TypeBroker        Type = "MESSAGE_QUEUE_BROKER"
	TypeTopic         Type = "MESSAGE_QUEUE_TOPIC"
	TypeQueue         Type = "MESSAGE_QUEUE_QUEUE"
	TypeConsumerGroup Type = "MESSAGE_QUEUE_CONSUMER_GROUP"
)

// Provider is the message-queue technology behind an entity.
type Provider string

const (
	ProviderKafka           Provider = "kafka"
	ProviderRabbitMQ        Provider = "rabbitmq"
	ProviderSQS             Provider = "sqs"
	ProviderAzureServiceBus Provider = "azure-servicebus"
	ProviderGooglePubSub    Provider = "google-pubsub"
	ProviderGeneric         Provider = "generic"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderKafka, ProviderRabbitMQ, ProviderSQS, ProviderAzureServiceBus, ProviderGooglePubSub, ProviderGeneric:
		return true
	}
	return false
}

// cloudProvider reports whether queues of this provider live in a cloud
// region (which makes the region identity field mandatory).
func (p Provider) cloudProvider() bool {
	switch p {
	case ProviderSQS, ProviderAzureServiceBus, ProviderGooglePubSub:
		return true
	}
	return false
}

// QueueType distinguishes queue semantics; thresholds differ per type.
type QueueType string

const (
	QueueStandard QueueType = "standard"
	QueueFIFO     QueueType = "fifo"
	QueuePriority QueueType = "priority"
	QueueDLQ      QueueType = "dlq"
)

func (q QueueType) Valid() bool {
	switch q {
	case QueueStandard, QueueFIFO, QueuePriority, QueueDLQ:
		return true
	}
	return false
}

// GoldenMetric is one headline metric; the per-variant list keeps insertion
// order because UIs render it positionally.
type GoldenMetric struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsumerGroupState mirrors the broker-reported group state.
type ConsumerGroupState string

const (
	GroupStable      ConsumerGroupState = "STABLE"
	GroupRebalancing ConsumerGroupState = "REBALANCING"
	GroupDead        ConsumerGroupState = "DEAD"
	GroupEmpty       ConsumerGroupState = "EMPTY"
)

// Identity payloads, one per variant. Fields listed here participate in GUID
// derivation and are frozen once the entity has been published.

type ClusterIdentity struct {
	ClusterName string
	Region      string
}

type BrokerIdentity struct {
	BrokerID    int
	Hostname    string
	ClusterName string
	Port        int
}

type TopicIdentity struct {
	Topic             string
	ClusterName       string
	PartitionCount    int
	ReplicationFactor int
}

type QueueIdentity struct {
	QueueName string
	Region    string
	QueueType QueueType
}

type ConsumerGroupIdentity struct {
	ConsumerGroupID string
	ClusterName     string
	Topics          []string
	State           ConsumerGroupState
	CoordinatorID   string
}

// Entity is the tagged variant: a shared header plus exactly one identity
// payload matching Type.
type Entity struct {
	Type      Type
	GUID      string
	Name      string
	Provider  Provider
	AccountID int

	Tags     map[string]string
	Golden   []GoldenMetric
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time

	Cluster       *ClusterIdentity
	Broker        *BrokerIdentity
	Topic         *TopicIdentity
	Queue         *QueueIdentity
	ConsumerGroup *ConsumerGroupIdentity

	published    bool
	lastSeenTick uint64
}

// Healthy is the capability every variant satisfies: a numeric score in
// [0, 100] plus the per-variant boolean rule.
type Healthy interface {
	HealthScore() float64
	IsHealthy(t Thresholds) bool
}

// SetGolden sets or updates a golden metric, preserving the order in which
// names were first added.
func (e *Entity) SetGolden(name string, value float64, unit string, ts time.Time) {
	for i := range e.Golden {
		if e.Golden[i].Name == name {
			e.Golden[i].Value = value
			e.Golden[i].Unit = unit
			e.Golden[i].Timestamp = ts
			return
		}
	}
	e.Golden = append(e.Golden, GoldenMetric{Name: name, Value: value, Unit: unit, Timestamp: ts})
}

// GoldenValue returns the named golden metric value; ok is false when the
// metric has not been observed yet.
func (e *Entity) GoldenValue(name string) (float64, bool) {
	for i := range e.Golden {
		if e.Golden[i].Name == name {
			return e.Golden[i].Value, true
		}
	}
	return 0, false
}

// SetTag records a string tag.
func (e *Entity) SetTag(key, value string) {
	if e.Tags == nil {
		e.Tags = map[string]string{}
	}
	e.Tags[key] = value
}

// MarkPublished freezes the entity's identity. GUID-bearing fields must not
// change once an event embedding the GUID has left the process.
func (e *Entity) MarkPublished() { e.published = true }

// Published reports whether any event embedding this GUID has been emitted.
func (e *Entity) Published() bool { return e.published }

// MarkSeen records the tick an entity was last observed on.
func (e *Entity) MarkSeen(tick uint64) { e.lastSeenTick = tick }

// LastSeen returns the tick the entity was last observed on.
func (e *Entity) LastSeen() uint64 { return e.lastSeenTick }

// Rename updates the entity's display name. Identity fields are untouched so
// the GUID is stable.
func (e *Entity) Rename(name string) error {
	if name == "" {
		return qerr.E(qerr.KindValidationFailed, "empty entity name")
	}
	e.Name = name
	return nil
}
