package entity

import (
	"strings"

	"github.com/queueobs/queueobs/pkg/qerr"
)

const (
	maxClusterNameLen = 63
	maxTopicNameLen   = 255
)

func validClusterName(name string) bool {
	if name == "" || len(name) > maxClusterNameLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func validTopicName(name string) bool {
	if name == "" || len(name) > maxTopicNameLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Validate checks the shared header plus the variant's identity rules.
// Everything it rejects maps to ValidationFailed; rejected entities are
// never published.
func (e *Entity) Validate() error {
	if e.AccountID <= 0 {
		return qerr.E(qerr.KindValidationFailed, "entity %s: accountId must be positive", e.Type)
	}
	if !e.Provider.Valid() {
		return qerr.E(qerr.KindValidationFailed, "entity %s: unknown provider %q", e.Type, e.Provider)
	}

	switch e.Type {
	case TypeCluster:
		return e.validateCluster()
	case TypeBroker:
		return e.validateBroker()
	case TypeTopic:
		return e.validateTopic()
	case TypeQueue:
		return e.validateQueue()
	case TypeConsumerGroup:
		return e.validateConsumerGroup()
	default:
		return qerr.E(qerr.KindValidationFailed, "unknown entity type %q", e.Type)
	}
}

func (e *Entity) validateCluster() error {
	if e.Cluster == nil {
		return qerr.E(qerr.KindValidationFailed, "cluster entity missing identity")
	}
	if !validClusterName(e.Cluster.ClusterName) {
		return qerr.E(qerr.KindValidationFailed, "invalid cluster name %q: lowercase alphanumerics and hyphens, max %d chars", e.Cluster.ClusterName, maxClusterNameLen)
	}
	return nil
}

func (e *Entity) validateBroker() error {
	b := e.Broker
	if b == nil {
		return qerr.E(qerr.KindValidationFailed, "broker entity missing identity")
	}
	if b.ClusterName == "" {
		return qerr.E(qerr.KindValidationFailed, "broker %d missing clusterName", b.BrokerID)
	}
	if b.Hostname == "" {
		return qerr.E(qerr.KindValidationFailed, "broker %d missing hostname", b.BrokerID)
	}
	if b.Port < 1 || b.Port > 65535 {
		return qerr.E(qerr.KindValidationFailed, "broker %d port %d outside [1, 65535]", b.BrokerID, b.Port)
	}
	return nil
}

func (e *Entity) validateTopic() error {
	t := e.Topic
	if t == nil {
		return qerr.E(qerr.KindValidationFailed, "topic entity missing identity")
	}
	if !validTopicName(t.Topic) {
		return qerr.E(qerr.KindValidationFailed, "invalid topic name %q", t.Topic)
	}
	if t.ClusterName == "" {
		return qerr.E(qerr.KindValidationFailed, "topic %s missing clusterName", t.Topic)
	}
	if t.PartitionCount < 1 {
		return qerr.E(qerr.KindValidationFailed, "topic %s partitionCount %d must be >= 1", t.Topic, t.PartitionCount)
	}
	if t.ReplicationFactor < 1 {
		return qerr.E(qerr.KindValidationFailed, "topic %s replicationFactor %d must be >= 1", t.Topic, t.ReplicationFactor)
	}
	return nil
}

func (e *Entity) validateQueue() error {
	q := e.Queue
	if q == nil {
		return qerr.E(qerr.KindValidationFailed, "queue entity missing identity")
	}
	if q.QueueName == "" {
		return qerr.E(qerr.KindValidationFailed, "queue missing queueName")
	}
	if !q.QueueType.Valid() {
		return qerr.E(qerr.KindValidationFailed, "queue %s: unknown queueType %q", q.QueueName, q.QueueType)
	}
	if q.QueueType == QueueFIFO && !strings.HasSuffix(q.QueueName, ".fifo") {
		return qerr.E(qerr.KindValidationFailed, "fifo queue %s must end in .fifo", q.QueueName)
	}
	if e.Provider.cloudProvider() && q.Region == "" {
		return qerr.E(qerr.KindValidationFailed, "queue %s: region required for provider %s", q.QueueName, e.Provider)
	}
	return nil
}

func (e *Entity) validateConsumerGroup() error {
	g := e.ConsumerGroup
	if g == nil {
		return qerr.E(qerr.KindValidationFailed, "consumer group entity missing identity")
	}
	if g.ConsumerGroupID == "" {
		return qerr.E(qerr.KindValidationFailed, "consumer group missing consumerGroupId")
	}
	if g.ClusterName == "" {
		return qerr.E(qerr.KindValidationFailed, "consumer group %s missing clusterName", g.ConsumerGroupID)
	}
	return nil
}
