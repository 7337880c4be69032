package entity

// Golden metric names. The per-variant order below is the order UIs render.
const (
	GoldenHealthScore     = "health.score"
	GoldenThroughputTotal = "throughput.total"
	GoldenErrorRate       = "error.rate"
	GoldenAvailability    = "availability"
	GoldenCPU             = "cpu.utilization"
	GoldenMemory          = "memory.utilization"
	GoldenNetworkBytes    = "network.throughput.bytesPerSecond"
	GoldenRequestLatency  = "request.latency.ms"
	GoldenThroughputIn    = "throughput.in"
	GoldenThroughputOut   = "throughput.out"
	GoldenConsumerLag     = "consumer.lag"
	GoldenQueueDepth      = "queue.depth"
	GoldenProcessingTime  = "processing.time.ms"
	GoldenTotalLag        = "totalLag"
	GoldenMaxLag          = "maxLag"
	GoldenAvgLag          = "avgLag"
	GoldenMemberCount     = "memberCount"
	GoldenConsumptionRate = "messageConsumptionRate"
	GoldenRebalanceRate   = "rebalanceRate"
)

// Thresholds are the tunable pieces of the per-variant health rules. The
// zero value is not usable; call DefaultThresholds.
type Thresholds struct {
	LagWarn          float64
	LagCrit          float64
	TopicImbalance   float64 // max allowed in/out imbalance, percent
	QueueDepth       map[QueueType]float64
	QueueProcessing  float64 // ms
	QueueMinOutRatio float64 // min out/in ratio when in > 0
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LagWarn:        5000,
		LagCrit:        10000,
		TopicImbalance: 50,
		QueueDepth: map[QueueType]float64{
			QueueStandard: 10000,
			QueueFIFO:     5000,
			QueuePriority: 7500,
			QueueDLQ:      100,
		},
		QueueProcessing:  5000,
		QueueMinOutRatio: 0.1,
	}
}

// HealthScore returns the entity's current health.score golden metric, or
// 100 when none has been computed yet.
func (e *Entity) HealthScore() float64 {
	if v, ok := e.GoldenValue(GoldenHealthScore); ok {
		return v
	}
	return 100
}

// IsHealthy applies the per-variant health rule against the entity's golden
// metrics. Metrics not yet observed count as healthy; the rule only fires on
// evidence.
func (e *Entity) IsHealthy(t Thresholds) bool {
	switch e.Type {
	case TypeCluster:
		return e.clusterHealthy()
	case TypeBroker:
		return e.brokerHealthy()
	case TypeTopic:
		return e.topicHealthy(t)
	case TypeQueue:
		return e.queueHealthy(t)
	case TypeConsumerGroup:
		return e.groupHealthy(t)
	}
	return false
}

func (e *Entity) clusterHealthy() bool {
	if v, ok := e.GoldenValue(GoldenHealthScore); ok && v < 80 {
		return false
	}
	if v, ok := e.GoldenValue(GoldenErrorRate); ok && v >= 5 {
		return false
	}
	if v, ok := e.GoldenValue(GoldenAvailability); ok && v < 95 {
		return false
	}
	return true
}

func (e *Entity) brokerHealthy() bool {
	if v, ok := e.GoldenValue(GoldenCPU); ok && v >= 80 {
		return false
	}
	if v, ok := e.GoldenValue(GoldenMemory); ok && v >= 80 {
		return false
	}
	if v, ok := e.GoldenValue(GoldenRequestLatency); ok && v >= 100 {
		return false
	}
	return true
}

func (e *Entity) topicHealthy(t Thresholds) bool {
	if v, ok := e.GoldenValue(GoldenConsumerLag); ok && v > t.LagCrit {
		return false
	}
	if v, ok := e.GoldenValue(GoldenErrorRate); ok && v > 5 {
		return false
	}
	in, okIn := e.GoldenValue(GoldenThroughputIn)
	out, okOut := e.GoldenValue(GoldenThroughputOut)
	if okIn && okOut && in > 0 {
		imbalance := (in - out) / in * 100
		if imbalance < 0 {
			imbalance = -imbalance
		}
		if imbalance > t.TopicImbalance {
			return false
		}
	}
	return true
}

func (e *Entity) queueHealthy(t Thresholds) bool {
	limit := t.QueueDepth[e.Queue.QueueType]
	if v, ok := e.GoldenValue(GoldenQueueDepth); ok && limit > 0 && v > limit {
		return false
	}
	if v, ok := e.GoldenValue(GoldenProcessingTime); ok && v > t.QueueProcessing {
		return false
	}
	in, okIn := e.GoldenValue(GoldenThroughputIn)
	out, okOut := e.GoldenValue(GoldenThroughputOut)
	if okIn && okOut && in > 0 && out/in < t.QueueMinOutRatio {
		return false
	}
	return true
}

func (e *Entity) groupHealthy(t Thresholds) bool {
	if e.ConsumerGroup.State != "" && e.ConsumerGroup.State != GroupStable {
		return false
	}
	if v, ok := e.GoldenValue(GoldenMemberCount); ok && v <= 0 {
		return false
	}
	if v, ok := e.GoldenValue(GoldenMaxLag); ok && v >= t.LagCrit {
		return false
	}
	return true
}
