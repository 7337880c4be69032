package transformer

// fieldMapping binds one canonical UDM metric name to the ordered list of
// raw attribute names that may carry it. Chains are tried in order; the
// first defined value wins. The lists encode every schema vintage we have
// seen in the wild: dotted agent names, underscore names, bare names and
// JMX mbean paths.
type fieldMapping struct {
	canonical string
	sources   []string
	// rate metrics are bounds-checked to [0, 1e15]; negatives are dropped.
	rate bool
	// semanticZero keeps zero values in the emitted event; for everything
	// else zero means "not reported" and is elided.
	semanticZero bool
}

var brokerMappings = []fieldMapping{
	{canonical: "throughput.in.bytesPerSecond", rate: true,
		sources: []string{"broker.bytesInPerSecond", "broker_bytesInPerSecond", "bytesInPerSecond", "kafka.server.BrokerTopicMetrics.BytesInPerSec", "net.bytesInPerSec"}},
	{canonical: "throughput.out.bytesPerSecond", rate: true,
		sources: []string{"broker.bytesOutPerSecond", "broker_bytesOutPerSecond", "bytesOutPerSecond", "kafka.server.BrokerTopicMetrics.BytesOutPerSec", "net.bytesOutPerSec"}},
	{canonical: "throughput.in.messagesPerSecond", rate: true,
		sources: []string{"broker.messagesInPerSecond", "broker_messagesInPerSecond", "messagesInPerSecond", "kafka.server.BrokerTopicMetrics.MessagesInPerSec"}},
	{canonical: "cpu.utilization",
		sources: []string{"broker.cpuPercent", "cpuPercent", "cpu.utilization", "system.cpuPercent"}},
	{canonical: "memory.utilization",
		sources: []string{"broker.memoryPercent", "memoryPercent", "memory.utilization", "system.memoryPercent"}},
	{canonical: "disk.utilization",
		sources: []string{"broker.diskPercent", "diskPercent", "system.diskUsedPercent"}},
	{canonical: "request.latency.ms",
		sources: []string{"broker.requestLatencyMs", "requestLatencyMs", "request.avgTimeFetch", "kafka.network.RequestMetrics.TotalTimeMs.mean"}},
	{canonical: "request.handler.idle.percent", semanticZero: true,
		sources: []string{"broker.requestHandlerAvgIdlePercent", "requestHandlerAvgIdlePercent", "kafka.server.KafkaRequestHandlerPool.RequestHandlerAvgIdlePercent"}},
	{canonical: "network.processor.idle.percent", semanticZero: true,
		sources: []string{"broker.networkProcessorAvgIdlePercent", "networkProcessorAvgIdlePercent"}},
	{canonical: "request.produce.rate", rate: true,
		sources: []string{"broker.produceRequestsPerSecond", "produceRequestsPerSecond", "request.produceRequestsPerSecond"}},
	{canonical: "request.fetch.rate", rate: true,
		sources: []string{"broker.fetchRequestsPerSecond", "fetchRequestsPerSecond", "request.fetchConsumerRequestsPerSecond"}},
	{canonical: "request.failed.produce.rate", rate: true, semanticZero: true,
		sources: []string{"broker.failedProduceRequestsPerSecond", "failedProduceRequestsPerSecond", "request.produceRequestsFailedPerSecond"}},
	{canonical: "request.failed.fetch.rate", rate: true, semanticZero: true,
		sources: []string{"broker.failedFetchRequestsPerSecond", "failedFetchRequestsPerSecond", "consumer.requestsExpiredPerSecond"}},
	{canonical: "partition.count", semanticZero: true,
		sources: []string{"broker.partitionCount", "partitionCount", "replication.partitionCount"}},
	{canonical: "partition.underReplicated", semanticZero: true,
		sources: []string{"broker.underReplicatedPartitions", "underReplicatedPartitions", "replication.unreplicatedPartitions"}},
	{canonical: "partition.offline", semanticZero: true,
		sources: []string{"broker.offlinePartitionsCount", "offlinePartitionsCount"}},
	{canonical: "leader.count", semanticZero: true,
		sources: []string{"broker.leaderCount", "leaderCount"}},
	{canonical: "leader.election.rate", rate: true, semanticZero: true,
		sources: []string{"broker.leaderElectionRate", "leaderElectionRate", "replication.leaderElectionPerSecond"}},
	{canonical: "leader.unclean.election.rate", rate: true, semanticZero: true,
		sources: []string{"broker.uncleanLeaderElectionRate", "uncleanLeaderElectionsPerSecond", "replication.uncleanLeaderElectionPerSecond"}},
	{canonical: "isr.shrinks.rate", rate: true, semanticZero: true,
		sources: []string{"broker.isrShrinksPerSecond", "isrShrinksPerSecond", "replication.isrShrinksPerSecond"}},
	{canonical: "isr.expands.rate", rate: true, semanticZero: true,
		sources: []string{"broker.isrExpandsPerSecond", "isrExpandsPerSecond", "replication.isrExpandsPerSecond"}},
	{canonical: "connection.count",
		sources: []string{"broker.connectionCount", "connectionCount", "net.connectionsActive"}},
	{canonical: "log.flush.rate", rate: true,
		sources: []string{"broker.logFlushPerSecond", "logFlushPerSecond", "kafka.log.LogFlushStats.LogFlushRateAndTimeMs"}},
	{canonical: "log.size.bytes",
		sources: []string{"broker.logSizeBytes", "logSizeBytes", "log.size"}},
	{canonical: "request.queue.size", semanticZero: true,
		sources: []string{"broker.requestQueueSize", "requestQueueSize", "request.produceRequestQueueSize"}},
	{canonical: "error.rate", rate: true, semanticZero: true,
		sources: []string{"broker.errorRate", "errorRate", "error.rate"}},
	{canonical: "uptime.seconds",
		sources: []string{"broker.uptimeSeconds", "uptimeSeconds"}},
}

var topicMappings = []fieldMapping{
	{canonical: "throughput.in.messagesPerSecond", rate: true,
		sources: []string{"topic.messagesInPerSecond", "topic_messagesInPerSecond", "messagesInPerSecond"}},
	{canonical: "throughput.out.messagesPerSecond", rate: true,
		sources: []string{"topic.messagesOutPerSecond", "topic_messagesOutPerSecond", "messagesOutPerSecond"}},
	{canonical: "throughput.in.bytesPerSecond", rate: true,
		sources: []string{"topic.bytesInPerSecond", "bytesInPerSecond", "broker.bytesWrittenToTopicPerSecond"}},
	{canonical: "throughput.out.bytesPerSecond", rate: true,
		sources: []string{"topic.bytesOutPerSecond", "bytesOutPerSecond"}},
	{canonical: "consumer.lag", semanticZero: true,
		sources: []string{"topic.consumerLag", "consumerLag", "consumer.lag"}},
	{canonical: "partition.count", semanticZero: true,
		sources: []string{"topic.partitions", "partitionCount", "partitions"}},
	{canonical: "replication.factor", semanticZero: true,
		sources: []string{"topic.replicationFactor", "replicationFactor"}},
	{canonical: "partition.underReplicated", semanticZero: true,
		sources: []string{"topic.underReplicatedPartitions", "underReplicatedPartitions"}},
	{canonical: "retention.bytes",
		sources: []string{"topic.retentionBytes", "retentionBytes"}},
	{canonical: "retention.ms",
		sources: []string{"topic.retentionMs", "retentionMs"}},
	{canonical: "size.bytes",
		sources: []string{"topic.sizeBytes", "topic.diskSize", "diskSize"}},
	{canonical: "error.rate", rate: true, semanticZero: true,
		sources: []string{"topic.errorRate", "errorRate", "error.rate"}},
	{canonical: "request.produce.rate", rate: true,
		sources: []string{"topic.produceRequestsPerSecond", "produceRequestsPerSecond"}},
	{canonical: "request.fetch.rate", rate: true,
		sources: []string{"topic.fetchRequestsPerSecond", "fetchRequestsPerSecond"}},
	{canonical: "rejected.rate", rate: true, semanticZero: true,
		sources: []string{"topic.rejectedMessagesPerSecond", "rejectedMessagesPerSecond"}},
	{canonical: "request.failed.produce.rate", rate: true, semanticZero: true,
		sources: []string{"topic.failedProduceRequestsPerSecond", "failedProduceRequestsPerSecond"}},
	{canonical: "request.failed.fetch.rate", rate: true, semanticZero: true,
		sources: []string{"topic.failedFetchRequestsPerSecond", "failedFetchRequestsPerSecond"}},
	{canonical: "segment.count",
		sources: []string{"topic.segmentCount", "segmentCount"}},
	{canonical: "offset.latest",
		sources: []string{"topic.latestOffset", "latestOffset", "offset.max"}},
	{canonical: "offset.earliest", semanticZero: true,
		sources: []string{"topic.earliestOffset", "earliestOffset", "offset.min"}},
	{canonical: "in.sync.replicas", semanticZero: true,
		sources: []string{"topic.inSyncReplicas", "inSyncReplicas"}},
}

var consumerMappings = []fieldMapping{
	{canonical: "group.totalLag", semanticZero: true,
		sources: []string{"consumer.totalLag", "totalLag", "consumerGroup.totalLag"}},
	{canonical: "group.maxLag", semanticZero: true,
		sources: []string{"consumer.maxLag", "maxLag", "consumerGroup.maxLag"}},
	{canonical: "group.avgLag", semanticZero: true,
		sources: []string{"consumer.avgLag", "avgLag", "consumerGroup.avgLag"}},
	{canonical: "group.memberCount", semanticZero: true,
		sources: []string{"consumer.members", "memberCount", "consumerGroup.members"}},
	{canonical: "consumption.rate.messagesPerSecond", rate: true,
		sources: []string{"consumer.messageConsumptionPerSecond", "messageConsumptionRate", "consumer.messagesPerSecond"}},
	{canonical: "consumption.rate.bytesPerSecond", rate: true,
		sources: []string{"consumer.bytesConsumedPerSecond", "bytesConsumedPerSecond"}},
	{canonical: "group.rebalance.rate", rate: true, semanticZero: true,
		sources: []string{"consumer.rebalancePerHour", "rebalanceRate", "consumerGroup.rebalancePerHour"}},
	{canonical: "offset.committed",
		sources: []string{"consumer.committedOffset", "committedOffset"}},
	{canonical: "fetch.rate", rate: true,
		sources: []string{"consumer.fetchRatePerSecond", "fetchRate", "consumer.fetchPerSecond"}},
	{canonical: "fetch.latency.avg.ms",
		sources: []string{"consumer.fetchLatencyAvgMs", "fetchLatencyAvg"}},
	{canonical: "fetch.latency.max.ms",
		sources: []string{"consumer.fetchLatencyMaxMs", "fetchLatencyMax"}},
	{canonical: "fetch.size.avg.bytes",
		sources: []string{"consumer.fetchSizeAvgBytes", "fetchSizeAvg"}},
	{canonical: "records.per.request.avg",
		sources: []string{"consumer.recordsPerRequestAvg", "recordsPerRequestAvg"}},
	{canonical: "records.consumed.rate", rate: true,
		sources: []string{"consumer.recordsConsumedPerSecond", "recordsConsumedRate"}},
	{canonical: "commit.rate", rate: true,
		sources: []string{"consumer.commitsPerSecond", "commitRate"}},
	{canonical: "commit.latency.avg.ms",
		sources: []string{"consumer.commitLatencyAvgMs", "commitLatencyAvg"}},
	{canonical: "join.rate", rate: true, semanticZero: true,
		sources: []string{"consumer.joinRatePerSecond", "joinRate"}},
	{canonical: "sync.rate", rate: true, semanticZero: true,
		sources: []string{"consumer.syncRatePerSecond", "syncRate"}},
	{canonical: "heartbeat.rate", rate: true,
		sources: []string{"consumer.heartbeatRatePerSecond", "heartbeatRate"}},
	{canonical: "assigned.partitions", semanticZero: true,
		sources: []string{"consumer.assignedPartitions", "assignedPartitions"}},
	{canonical: "last.heartbeat.seconds",
		sources: []string{"consumer.lastHeartbeatSecondsAgo", "lastHeartbeatSecondsAgo"}},
	{canonical: "poll.rate", rate: true,
		sources: []string{"consumer.pollRatePerSecond", "pollRate"}},
	{canonical: "poll.idle.ratio", semanticZero: true,
		sources: []string{"consumer.pollIdleRatio", "pollIdleRatio"}},
	{canonical: "io.wait.ratio", semanticZero: true,
		sources: []string{"consumer.ioWaitRatio", "ioWaitRatio"}},
	{canonical: "network.io.rate", rate: true,
		sources: []string{"consumer.networkIoRatePerSecond", "networkIoRate"}},
}

var offsetMappings = []fieldMapping{
	{canonical: "offset.consumed",
		sources: []string{"offset.consumerOffset", "consumerOffset", "kafka.consumerOffset"}},
	{canonical: "offset.highWaterMark",
		sources: []string{"offset.highWaterMark", "highWaterMark", "hwm"}},
	{canonical: "offset.lag", semanticZero: true,
		sources: []string{"offset.consumerLag", "consumerLag", "lag"}},
	{canonical: "offset.commitRate", rate: true,
		sources: []string{"offset.commitsPerSecond", "commitsPerSecond"}},
}

// identity source chains shared by the extractors.
var (
	clusterNameSources = []string{"clusterName", "kafka.clusterName", "cluster.name", "clusterId"}
	brokerIDSources    = []string{"broker.id", "brokerId", "broker_id", "kafka.broker.id"}
	brokerHostSources  = []string{"broker.host", "hostname", "host", "entityName"}
	brokerPortSources  = []string{"broker.port", "port"}
	topicSources       = []string{"topic", "topicName", "topic.name"}
	groupIDSources     = []string{"consumerGroup", "consumer.group.id", "group.id", "consumerGroupId"}
	coordinatorSources = []string{"coordinator.id", "coordinatorId"}
	partitionSources   = []string{"partition", "partitionId", "partition.id"}
)
