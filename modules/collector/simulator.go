package collector

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/udm"
)

// SimulationConfig describes the synthetic topology.
type SimulationConfig struct {
	ClusterCount           int     `yaml:"cluster_count"`
	BrokersPerCluster      int     `yaml:"brokers_per_cluster"`
	TopicsPerCluster       int     `yaml:"topics_per_cluster"`
	ConsumerGroupsPerTopic int     `yaml:"consumer_groups_per_topic"`
	PartitionsPerTopic     int     `yaml:"partitions_per_topic"`
	AnomalyRate            float64 `yaml:"anomaly_rate"`
	ClusterNamePrefix      string  `yaml:"cluster_name_prefix"`
	Seed                   int64   `yaml:"seed"`

	BusinessHourStart int     `yaml:"business_hour_start"`
	BusinessHourEnd   int     `yaml:"business_hour_end"`
	BusinessHourBoost float64 `yaml:"business_hour_boost"`
}

func (cfg *SimulationConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.ClusterCount, prefix+".clusters", 2, "simulated cluster count")
	f.IntVar(&cfg.BrokersPerCluster, prefix+".brokers-per-cluster", 3, "brokers per simulated cluster")
	f.IntVar(&cfg.TopicsPerCluster, prefix+".topics-per-cluster", 5, "topics per simulated cluster")
	f.IntVar(&cfg.ConsumerGroupsPerTopic, prefix+".consumer-groups-per-topic", 1, "consumer groups per topic")
	f.IntVar(&cfg.PartitionsPerTopic, prefix+".partitions-per-topic", 6, "partitions per topic")
	f.Float64Var(&cfg.AnomalyRate, prefix+".anomaly-rate", 0.05, "probability of injecting an anomaly per entity per tick")
	cfg.ClusterNamePrefix = "kafka"
	cfg.BusinessHourStart = 9
	cfg.BusinessHourEnd = 17
	cfg.BusinessHourBoost = 1.5
}

// Simulator generates deterministic synthetic samples. The random source is
// reseeded every tick from the configured seed plus the tick timestamp, so
// equal (seed, tick) pairs always yield identical samples.
type Simulator struct {
	cfg    SimulationConfig
	clk    clock.Clock
	logger log.Logger
}

func NewSimulator(cfg SimulationConfig, clk clock.Clock, logger log.Logger) *Simulator {
	if cfg.ClusterNamePrefix == "" {
		cfg.ClusterNamePrefix = "kafka"
	}
	if cfg.BusinessHourBoost == 0 {
		cfg.BusinessHourBoost = 1.5
	}
	return &Simulator{cfg: cfg, clk: clk, logger: logger}
}

// Fetch generates one tick's worth of samples for the whole topology.
func (s *Simulator) Fetch(ctx context.Context, since time.Duration) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	r := rand.New(rand.NewSource(s.cfg.Seed + now.Round(since).Unix()))
	boost := s.loadFactor(now)

	var samples []udm.RawSample
	for c := 1; c <= s.cfg.ClusterCount; c++ {
		clusterName := fmt.Sprintf("%s-%d", s.cfg.ClusterNamePrefix, c)

		for b := 1; b <= s.cfg.BrokersPerCluster; b++ {
			samples = append(samples, s.brokerSample(r, clusterName, b, boost, now))
		}
		for t := 1; t <= s.cfg.TopicsPerCluster; t++ {
			topic := fmt.Sprintf("topic-%d", t)
			samples = append(samples, s.topicSample(r, clusterName, topic, boost, now))

			for g := 1; g <= s.cfg.ConsumerGroupsPerTopic; g++ {
				group := fmt.Sprintf("%s-cg-%d", topic, g)
				samples = append(samples, s.consumerSample(r, clusterName, topic, group, now))
				for p := 0; p < s.cfg.PartitionsPerTopic; p++ {
					samples = append(samples, s.offsetSample(r, clusterName, topic, group, p, now))
				}
			}
		}
	}

	level.Debug(s.logger).Log("msg", "simulated samples generated", "count", len(samples))
	return NewSliceIterator(samples), nil
}

// loadFactor amplifies traffic during weekday business hours.
func (s *Simulator) loadFactor(now time.Time) float64 {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return 1
	}
	h := now.Hour()
	if h >= s.cfg.BusinessHourStart && h < s.cfg.BusinessHourEnd {
		return s.cfg.BusinessHourBoost
	}
	return 1
}

func (s *Simulator) anomaly(r *rand.Rand) bool {
	return s.cfg.AnomalyRate > 0 && r.Float64() < s.cfg.AnomalyRate
}

func (s *Simulator) brokerSample(r *rand.Rand, clusterName string, brokerID int, boost float64, now time.Time) udm.RawSample {
	cpu := 20 + r.Float64()*30
	mem := 30 + r.Float64()*25
	latency := 5 + r.Float64()*20
	if s.anomaly(r) {
		cpu = 85 + r.Float64()*14
		latency = 120 + r.Float64()*200
	}

	return udm.RawSample{
		"eventType":                        udm.SampleBroker,
		"clusterName":                      clusterName,
		"broker.id":                        float64(brokerID),
		"broker.host":                      fmt.Sprintf("%s-broker-%d.internal", clusterName, brokerID),
		"broker.port":                      float64(9092),
		"broker.bytesInPerSecond":          round2(boost * (500000 + r.Float64()*1500000)),
		"broker.bytesOutPerSecond":         round2(boost * (400000 + r.Float64()*1200000)),
		"broker.messagesInPerSecond":       round2(boost * (1000 + r.Float64()*4000)),
		"broker.cpuPercent":                round2(cpu),
		"broker.memoryPercent":             round2(mem),
		"broker.requestLatencyMs":          round2(latency),
		"broker.produceRequestsPerSecond":  round2(boost * (200 + r.Float64()*800)),
		"broker.fetchRequestsPerSecond":    round2(boost * (300 + r.Float64()*900)),
		"broker.partitionCount":            float64(20 + r.Intn(40)),
		"broker.underReplicatedPartitions": float64(0),
		"broker.leaderCount":               float64(10 + r.Intn(20)),
		"broker.connectionCount":           float64(50 + r.Intn(200)),
		"broker.logSizeBytes":              float64(1<<30) + r.Float64()*float64(8<<30),
		"timestamp":                        float64(now.UnixMilli()),
	}
}

func (s *Simulator) topicSample(r *rand.Rand, clusterName, topic string, boost float64, now time.Time) udm.RawSample {
	in := boost * (500 + r.Float64()*2000)
	out := in * (0.85 + r.Float64()*0.15)
	lag := r.Float64() * 500
	errRate := r.Float64() * 2
	if s.anomaly(r) {
		lag = 15000 + r.Float64()*50000
		errRate = 6 + r.Float64()*10
		out = in * 0.3
	}

	return udm.RawSample{
		"eventType":                  udm.SampleTopic,
		"clusterName":                clusterName,
		"topic":                      topic,
		"topic.messagesInPerSecond":  round2(in),
		"topic.messagesOutPerSecond": round2(out),
		"topic.bytesInPerSecond":     round2(in * 512),
		"topic.bytesOutPerSecond":    round2(out * 512),
		"topic.consumerLag":          round2(lag),
		"topic.partitions":           float64(s.cfg.PartitionsPerTopic),
		"topic.replicationFactor":    float64(3),
		"topic.errorRate":            round2(errRate),
		"topic.sizeBytes":            float64(100<<20) + r.Float64()*float64(2<<30),
		"timestamp":                  float64(now.UnixMilli()),
	}
}

func (s *Simulator) consumerSample(r *rand.Rand, clusterName, topic, group string, now time.Time) udm.RawSample {
	members := 2 + r.Intn(6)
	maxLag := r.Float64() * 800
	state := "STABLE"
	if s.anomaly(r) {
		state = "REBALANCING"
		maxLag = 20000 + r.Float64()*30000
	}

	sample := udm.RawSample{
		"eventType":                            udm.SampleConsumer,
		"clusterName":                          clusterName,
		"consumerGroup":                        group,
		"topic":                                topic,
		"consumer.state":                       state,
		"consumer.totalLag":                    round2(maxLag * float64(members) * 0.6),
		"consumer.maxLag":                      round2(maxLag),
		"consumer.avgLag":                      round2(maxLag * 0.4),
		"consumer.members":                     float64(members),
		"consumer.messageConsumptionPerSecond": round2(200 + r.Float64()*1800),
		"consumer.rebalancePerHour":            float64(r.Intn(3)),
		"timestamp":                            float64(now.UnixMilli()),
	}
	// Coordinator id is optional in real telemetry; leave it out sometimes
	// so the optional COORDINATED_BY path stays exercised.
	if r.Float64() < 0.8 {
		sample["coordinator.id"] = float64(1 + r.Intn(s.cfg.BrokersPerCluster))
	}
	return sample
}

func (s *Simulator) offsetSample(r *rand.Rand, clusterName, topic, group string, partition int, now time.Time) udm.RawSample {
	hwm := 100000 + r.Float64()*1000000
	lag := r.Float64() * 200

	return udm.RawSample{
		"eventType":             udm.SampleOffset,
		"clusterName":           clusterName,
		"consumerGroup":         group,
		"topic":                 topic,
		"partition":             float64(partition),
		"offset.highWaterMark":  round2(hwm),
		"offset.consumerOffset": round2(hwm - lag),
		"offset.consumerLag":    round2(lag),
		"timestamp":             float64(now.UnixMilli()),
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100)) / 100
}
