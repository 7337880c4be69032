package registry

import (
	"fmt"

	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/modules/relationship"
)

// Factory creates entities, validates them, derives their GUIDs and inserts
// them into the registry. Creation is idempotent on GUID. Passing a
// ClusterGUID to broker/topic/group creation installs the CONTAINS edge and
// its inverse automatically.
type Factory struct {
	accountID int
	provider  entity.Provider
	registry  *Registry
}

func NewFactory(accountID int, provider entity.Provider, registry *Registry) *Factory {
	return &Factory{accountID: accountID, provider: provider, registry: registry}
}

// ClusterSpec describes a cluster to create.
type ClusterSpec struct {
	ClusterName string
	Region      string
	Tags        map[string]string
}

func (f *Factory) CreateCluster(spec ClusterSpec) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:      entity.TypeCluster,
		Name:      spec.ClusterName,
		Provider:  f.provider,
		AccountID: f.accountID,
		Tags:      spec.Tags,
		Cluster:   &entity.ClusterIdentity{ClusterName: spec.ClusterName, Region: spec.Region},
	}
	return f.finish(e, "")
}

// BrokerSpec describes a broker to create.
type BrokerSpec struct {
	BrokerID    int
	Hostname    string
	ClusterName string
	Port        int
	ClusterGUID string
	Tags        map[string]string
}

func (f *Factory) CreateBroker(spec BrokerSpec) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:      entity.TypeBroker,
		Name:      fmt.Sprintf("%s:broker-%d", spec.ClusterName, spec.BrokerID),
		Provider:  f.provider,
		AccountID: f.accountID,
		Tags:      spec.Tags,
		Broker: &entity.BrokerIdentity{
			BrokerID:    spec.BrokerID,
			Hostname:    spec.Hostname,
			ClusterName: spec.ClusterName,
			Port:        spec.Port,
		},
	}
	return f.finish(e, spec.ClusterGUID)
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Topic             string
	ClusterName       string
	PartitionCount    int
	ReplicationFactor int
	ClusterGUID       string
	Tags              map[string]string
}

func (f *Factory) CreateTopic(spec TopicSpec) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:      entity.TypeTopic,
		Name:      spec.Topic,
		Provider:  f.provider,
		AccountID: f.accountID,
		Tags:      spec.Tags,
		Topic: &entity.TopicIdentity{
			Topic:             spec.Topic,
			ClusterName:       spec.ClusterName,
			PartitionCount:    spec.PartitionCount,
			ReplicationFactor: spec.ReplicationFactor,
		},
	}
	return f.finish(e, spec.ClusterGUID)
}

// QueueSpec describes a queue to create.
type QueueSpec struct {
	QueueName string
	Region    string
	QueueType entity.QueueType
	Tags      map[string]string
}

func (f *Factory) CreateQueue(spec QueueSpec) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:      entity.TypeQueue,
		Name:      spec.QueueName,
		Provider:  f.provider,
		AccountID: f.accountID,
		Tags:      spec.Tags,
		Queue: &entity.QueueIdentity{
			QueueName: spec.QueueName,
			Region:    spec.Region,
			QueueType: spec.QueueType,
		},
	}
	return f.finish(e, "")
}

// ConsumerGroupSpec describes a consumer group to create.
type ConsumerGroupSpec struct {
	ConsumerGroupID string
	ClusterName     string
	Topics          []string
	State           entity.ConsumerGroupState
	CoordinatorID   string
	ClusterGUID     string
	Tags            map[string]string
}

func (f *Factory) CreateConsumerGroup(spec ConsumerGroupSpec) (*entity.Entity, error) {
	e := &entity.Entity{
		Type:      entity.TypeConsumerGroup,
		Name:      spec.ConsumerGroupID,
		Provider:  f.provider,
		AccountID: f.accountID,
		Tags:      spec.Tags,
		ConsumerGroup: &entity.ConsumerGroupIdentity{
			ConsumerGroupID: spec.ConsumerGroupID,
			ClusterName:     spec.ClusterName,
			Topics:          spec.Topics,
			State:           spec.State,
			CoordinatorID:   spec.CoordinatorID,
		},
	}
	return f.finish(e, spec.ClusterGUID)
}

func (f *Factory) finish(e *entity.Entity, clusterGUID string) (*entity.Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	e.GUID = e.ComputeGUID()
	stored := f.registry.insert(e)

	if clusterGUID != "" {
		if err := f.registry.rels.Add(clusterGUID, stored.GUID, relationship.Contains, nil); err != nil {
			return nil, err
		}
	}
	return stored, nil
}
