package entity

import (
	"strconv"
	"strings"
)

// GUIDs are deterministic: {TYPE}|{accountId}|{provider}|{hierarchical ids},
// pipe separated with empty parts omitted. Equal identity tuples always
// yield equal GUIDs, across restarts included.

func guidJoin(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "|")
}

func ClusterGUID(accountID int, provider Provider, clusterName string) string {
	return guidJoin(string(TypeCluster), strconv.Itoa(accountID), string(provider), clusterName)
}

func BrokerGUID(accountID int, provider Provider, clusterName string, brokerID int) string {
	return guidJoin(string(TypeBroker), strconv.Itoa(accountID), string(provider), clusterName, strconv.Itoa(brokerID))
}

func TopicGUID(accountID int, provider Provider, clusterName, topic string) string {
	return guidJoin(string(TypeTopic), strconv.Itoa(accountID), string(provider), clusterName, topic)
}

func QueueGUID(accountID int, provider Provider, region, queueName string) string {
	return guidJoin(string(TypeQueue), strconv.Itoa(accountID), string(provider), region, queueName)
}

func ConsumerGroupGUID(accountID int, provider Provider, clusterName, groupID string) string {
	return guidJoin(string(TypeConsumerGroup), strconv.Itoa(accountID), string(provider), clusterName, groupID)
}

// ComputeGUID derives the GUID from the entity's current identity payload.
func (e *Entity) ComputeGUID() string {
	switch e.Type {
	case TypeCluster:
		return ClusterGUID(e.AccountID, e.Provider, e.Cluster.ClusterName)
	case TypeBroker:
		return BrokerGUID(e.AccountID, e.Provider, e.Broker.ClusterName, e.Broker.BrokerID)
	case TypeTopic:
		return TopicGUID(e.AccountID, e.Provider, e.Topic.ClusterName, e.Topic.Topic)
	case TypeQueue:
		return QueueGUID(e.AccountID, e.Provider, e.Queue.Region, e.Queue.QueueName)
	case TypeConsumerGroup:
		return ConsumerGroupGUID(e.AccountID, e.Provider, e.ConsumerGroup.ClusterName, e.ConsumerGroup.ConsumerGroupID)
	}
	return ""
}
