package transformer

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

var (
	metricInvalidMetrics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "transformer",
		Name:      "invalid_metric_total",
		Help:      "Metric values dropped because they were NaN, non-finite or unparseable.",
	})
	metricOutOfRange = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "transformer",
		Name:      "out_of_range_total",
		Help:      "Metric values dropped by the range guard.",
	})
	metricUnknownEventType = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "transformer",
		Name:      "unknown_event_type_total",
		Help:      "Raw samples dropped because their eventType is not recognized.",
	})
)

const (
	bytesPerMB = 1 << 20
	bytesPerGB = 1 << 30
)

// Identity is the parsed identity tuple of a normalized sample; the pipeline
// feeds it to the factory.
type Identity struct {
	Type        entity.Type
	ClusterName string

	BrokerID int
	Hostname string
	Port     int

	Topic             string
	PartitionCount    int
	ReplicationFactor int

	ConsumerGroupID string
	CoordinatorID   string
	State           entity.ConsumerGroupState
	Partition       int
}

// Result is one normalized sample.
type Result struct {
	Event    *udm.Event
	Identity Identity
	// Warnings records per-metric drops that did not fail the sample.
	Warnings []string
}

// Config for the transformer.
type Config struct {
	AccountID     int
	Provider      entity.Provider
	SkewTolerance time.Duration
	Thresholds    entity.Thresholds
}

// Transformer maps raw samples to UDM events. Normalize is pure with
// respect to its inputs; only counters and logs are side effects.
type Transformer struct {
	cfg    Config
	logger log.Logger
	now    func() time.Time
}

func New(cfg Config, logger log.Logger) *Transformer {
	if cfg.Provider == "" {
		cfg.Provider = entity.ProviderKafka
	}
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = udm.DefaultSkewTolerance
	}
	if cfg.Thresholds.LagCrit == 0 {
		cfg.Thresholds = entity.DefaultThresholds()
	}
	return &Transformer{cfg: cfg, logger: logger, now: time.Now}
}

// NewWithNow is New with an injected time source.
func NewWithNow(cfg Config, logger log.Logger, now func() time.Time) *Transformer {
	t := New(cfg, logger)
	t.now = now
	return t
}

// Normalize converts one raw sample into a UDM event. Unknown event types
// fail with UnknownEventType; a sample whose identity cannot be derived
// fails with SchemaMismatch. Individual bad metrics are dropped with a
// warning and do not fail the sample.
func (t *Transformer) Normalize(sample udm.RawSample) (*Result, error) {
	switch sample.EventType() {
	case udm.SampleBroker:
		return t.normalizeBroker(sample)
	case udm.SampleTopic:
		return t.normalizeTopic(sample)
	case udm.SampleConsumer:
		return t.normalizeConsumer(sample)
	case udm.SampleOffset:
		return t.normalizeOffset(sample)
	default:
		metricUnknownEventType.Inc()
		return nil, qerr.E(qerr.KindUnknownEventType, "unknown eventType %q", sample.EventType())
	}
}

func (t *Transformer) normalizeBroker(sample udm.RawSample) (*Result, error) {
	clusterName, ok := sample.String(clusterNameSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "broker sample missing clusterName")
	}
	brokerID, ok, err := sample.Int(brokerIDSources...)
	if err != nil || !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "broker sample missing broker id")
	}
	hostname, _ := sample.String(brokerHostSources...)
	port, _, _ := sample.Int(brokerPortSources...)
	if port == 0 {
		port = 9092
	}

	guid := entity.BrokerGUID(t.cfg.AccountID, t.cfg.Provider, clusterName, int(brokerID))
	ev := udm.NewEvent(udm.EventBrokerSample, guid, string(t.cfg.Provider), clusterName, t.eventTime(sample))
	ev.Identity["broker.id"] = itoa(brokerID)
	if hostname != "" {
		ev.Identity["broker.hostname"] = hostname
	}
	ev.Identity["broker.port"] = itoa(port)

	warnings := t.applyMappings(ev, sample, brokerMappings)
	t.deriveThroughputTotal(ev, "throughput.in.bytesPerSecond", "throughput.out.bytesPerSecond", "throughput.total.bytesPerSecond")
	t.deriveByteMirrors(ev)
	ev.Metrics["health.score"] = brokerHealthScore(ev.Metrics)

	return &Result{
		Event: ev,
		Identity: Identity{
			Type:        entity.TypeBroker,
			ClusterName: clusterName,
			BrokerID:    int(brokerID),
			Hostname:    hostname,
			Port:        int(port),
		},
		Warnings: warnings,
	}, nil
}

func (t *Transformer) normalizeTopic(sample udm.RawSample) (*Result, error) {
	clusterName, ok := sample.String(clusterNameSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "topic sample missing clusterName")
	}
	topic, ok := sample.String(topicSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "topic sample missing topic name")
	}
	partitions, _, _ := sample.Int("topic.partitions", "partitionCount", "partitions")
	replication, _, _ := sample.Int("topic.replicationFactor", "replicationFactor")

	guid := entity.TopicGUID(t.cfg.AccountID, t.cfg.Provider, clusterName, topic)
	ev := udm.NewEvent(udm.EventTopicSample, guid, string(t.cfg.Provider), clusterName, t.eventTime(sample))
	ev.Identity["topic"] = topic

	warnings := t.applyMappings(ev, sample, topicMappings)
	t.deriveThroughputTotal(ev, "throughput.in.messagesPerSecond", "throughput.out.messagesPerSecond", "throughput.total.messagesPerSecond")
	t.deriveByteMirrors(ev)
	ev.Metrics["health.score"] = topicHealthScore(ev.Metrics, t.cfg.Thresholds)

	return &Result{
		Event: ev,
		Identity: Identity{
			Type:              entity.TypeTopic,
			ClusterName:       clusterName,
			Topic:             topic,
			PartitionCount:    int(partitions),
			ReplicationFactor: int(replication),
		},
		Warnings: warnings,
	}, nil
}

func (t *Transformer) normalizeConsumer(sample udm.RawSample) (*Result, error) {
	clusterName, ok := sample.String(clusterNameSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "consumer sample missing clusterName")
	}
	groupID, ok := sample.String(groupIDSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "consumer sample missing consumer group id")
	}
	topic, _ := sample.String(topicSources...)
	coordinatorID, _ := sample.String(coordinatorSources...)
	state, _ := sample.String("consumer.state", "state", "consumerGroup.state")

	guid := entity.ConsumerGroupGUID(t.cfg.AccountID, t.cfg.Provider, clusterName, groupID)
	ev := udm.NewEvent(udm.EventConsumerSample, guid, string(t.cfg.Provider), clusterName, t.eventTime(sample))
	ev.Identity["consumerGroup"] = groupID
	if topic != "" {
		ev.Identity["topic"] = topic
	}
	if state != "" {
		ev.Identity["consumerGroup.state"] = state
	}

	warnings := t.applyMappings(ev, sample, consumerMappings)
	t.deriveByteMirrors(ev)
	ev.Metrics["health.score"] = consumerHealthScore(ev.Metrics, state, t.cfg.Thresholds)

	return &Result{
		Event: ev,
		Identity: Identity{
			Type:            entity.TypeConsumerGroup,
			ClusterName:     clusterName,
			Topic:           topic,
			ConsumerGroupID: groupID,
			CoordinatorID:   coordinatorID,
			State:           entity.ConsumerGroupState(state),
		},
		Warnings: warnings,
	}, nil
}

func (t *Transformer) normalizeOffset(sample udm.RawSample) (*Result, error) {
	clusterName, ok := sample.String(clusterNameSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "offset sample missing clusterName")
	}
	groupID, ok := sample.String(groupIDSources...)
	if !ok {
		return nil, qerr.E(qerr.KindSchemaMismatch, "offset sample missing consumer group id")
	}
	topic, _ := sample.String(topicSources...)
	partition, _, _ := sample.Int(partitionSources...)

	guid := entity.ConsumerGroupGUID(t.cfg.AccountID, t.cfg.Provider, clusterName, groupID)
	ev := udm.NewEvent(udm.EventOffsetSample, guid, string(t.cfg.Provider), clusterName, t.eventTime(sample))
	ev.Identity["consumerGroup"] = groupID
	if topic != "" {
		ev.Identity["topic"] = topic
	}
	ev.Identity["partition"] = itoa(partition)

	warnings := t.applyMappings(ev, sample, offsetMappings)

	return &Result{
		Event: ev,
		Identity: Identity{
			Type:            entity.TypeConsumerGroup,
			ClusterName:     clusterName,
			Topic:           topic,
			ConsumerGroupID: groupID,
			Partition:       int(partition),
		},
		Warnings: warnings,
	}, nil
}

// applyMappings walks the mapping table, coercing and cleaning each metric.
// Bad values never fail the sample; they are counted, logged and skipped.
func (t *Transformer) applyMappings(ev *udm.Event, sample udm.RawSample, mappings []fieldMapping) []string {
	var warnings []string
	for _, m := range mappings {
		v, ok, err := sample.Float(m.sources...)
		if err != nil {
			metricInvalidMetrics.Inc()
			warnings = append(warnings, m.canonical+": "+err.Error())
			level.Warn(t.logger).Log("msg", "invalid metric dropped", "metric", m.canonical, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if m.rate {
			if err := udm.CheckRange(m.canonical, v); err != nil {
				metricOutOfRange.Inc()
				warnings = append(warnings, m.canonical+": "+err.Error())
				level.Warn(t.logger).Log("msg", "out of range metric dropped", "metric", m.canonical, "err", err)
				continue
			}
		} else if v < 0 {
			metricOutOfRange.Inc()
			warnings = append(warnings, m.canonical+": negative value dropped")
			continue
		}
		if v == 0 && !m.semanticZero {
			continue
		}
		ev.Metrics[m.canonical] = v
	}
	return warnings
}

func (t *Transformer) deriveThroughputTotal(ev *udm.Event, inName, outName, totalName string) {
	in, okIn := ev.Metrics[inName]
	out, okOut := ev.Metrics[outName]
	if okIn || okOut {
		ev.Metrics[totalName] = in + out
	}
}

// deriveByteMirrors adds .mb/.gb mirrors for every *.bytes metric.
func (t *Transformer) deriveByteMirrors(ev *udm.Event) {
	for name, v := range ev.Metrics {
		if !strings.HasSuffix(name, ".bytes") {
			continue
		}
		base := strings.TrimSuffix(name, ".bytes")
		ev.Metrics[base+".mb"] = v / bytesPerMB
		ev.Metrics[base+".gb"] = v / bytesPerGB
	}
}

// eventTime uses the sample's own timestamp when it carries one within the
// skew tolerance; otherwise the event is stamped now.
func (t *Transformer) eventTime(sample udm.RawSample) time.Time {
	now := t.now()
	ts, ok, err := sample.Float("timestamp")
	if err != nil || !ok {
		return now
	}
	st := time.UnixMilli(int64(ts))
	if st.Before(now.Add(-t.cfg.SkewTolerance)) || st.After(now.Add(t.cfg.SkewTolerance)) {
		return now
	}
	return st
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
