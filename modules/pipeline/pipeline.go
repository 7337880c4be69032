package pipeline

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/queueobs/queueobs/modules/collector"
	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/modules/registry"
	"github.com/queueobs/queueobs/modules/relationship"
	"github.com/queueobs/queueobs/modules/streamer"
	"github.com/queueobs/queueobs/modules/transformer"
	"github.com/queueobs/queueobs/modules/verifier"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
	"github.com/queueobs/queueobs/pkg/workerpool"
)

var (
	metricTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "pipeline",
		Name:      "ticks_total",
		Help:      "Pipeline ticks by outcome.",
	}, []string{"outcome"})
	metricSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "pipeline",
		Name:      "samples_total",
		Help:      "Raw samples by normalization outcome.",
	}, []string{"outcome"})
	metricRelationshipEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "pipeline",
		Name:      "relationship_events_total",
		Help:      "Relationship events emitted once both endpoints were streamed.",
	})
	metricTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "queueobs",
		Subsystem: "pipeline",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one pipeline tick.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// fetchWindowCap bounds the lookback passed to the collector regardless of
// the tick interval.
const fetchWindowCap = 5 * time.Minute

type Config struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	TickTimeout      time.Duration `yaml:"tick_timeout"`
	VerifyEveryTicks uint64        `yaml:"verify_every_ticks"`
	SweepAbsentTicks uint64        `yaml:"sweep_absent_ticks"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.TickInterval, prefix+".tick-interval", 30*time.Second, "interval between collection ticks")
	f.DurationVar(&cfg.TickTimeout, prefix+".tick-timeout", 0, "timeout for one tick (defaults to the tick interval)")
	f.Uint64Var(&cfg.VerifyEveryTicks, prefix+".verify-every-ticks", 10, "run verification every N ticks (0 disables)")
	f.Uint64Var(&cfg.SweepAbsentTicks, prefix+".sweep-absent-ticks", registry.DefaultAbsentTicks, "remove entities unseen for N ticks")
}

// Deps are the pipeline's collaborators. The pipeline owns the lifecycle of
// the streamer and the worker pool; everything else is borrowed.
type Deps struct {
	Collector   collector.Collector
	Transformer *transformer.Transformer
	Registry    *registry.Registry
	Factory     *registry.Factory
	Streamer    *streamer.Streamer
	Verifier    *verifier.Verifier
	Pool        *workerpool.Pool
	Clock       clock.Clock
}

// Pipeline drives the collect, normalize, synthesize, stream loop on a fixed
// tick. Ticks never overlap: a tick that fires while the previous one is
// still running is skipped and counted.
type Pipeline struct {
	services.Service

	cfg    Config
	deps   Deps
	logger log.Logger

	tick       atomic.Uint64
	inProgress atomic.Bool
	tickWG     sync.WaitGroup

	mtx        sync.Mutex
	lastReport *verifier.Report

	// emittedEdges remembers relationship events already sent so each edge is
	// announced once.
	emittedEdges map[string]struct{}
}

func New(cfg Config, deps Deps, logger log.Logger) *Pipeline {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.TickInterval
	}
	if cfg.SweepAbsentTicks == 0 {
		cfg.SweepAbsentTicks = registry.DefaultAbsentTicks
	}
	p := &Pipeline{cfg: cfg, deps: deps, logger: logger, emittedEdges: map[string]struct{}{}}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p
}

func (p *Pipeline) starting(ctx context.Context) error {
	return services.StartAndAwaitRunning(ctx, p.deps.Streamer)
}

func (p *Pipeline) running(ctx context.Context) error {
	ticker := p.deps.Clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	p.fireTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.fireTick(ctx)
		}
	}
}

// stopping waits out the in-flight tick, then drains the streamer and the
// worker pool.
func (p *Pipeline) stopping(_ error) error {
	p.tickWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TickTimeout)
	defer cancel()

	var poolErr error
	if p.deps.Pool != nil {
		poolErr = p.deps.Pool.Shutdown(ctx)
	}
	streamErr := services.StopAndAwaitTerminated(ctx, p.deps.Streamer)
	if poolErr != nil {
		return poolErr
	}
	return streamErr
}

func (p *Pipeline) fireTick(ctx context.Context) {
	if !p.inProgress.CompareAndSwap(false, true) {
		metricTicks.WithLabelValues("skipped").Inc()
		level.Warn(p.logger).Log("msg", "tick skipped, previous tick still running", "tick", p.tick.Load())
		return
	}

	p.tickWG.Add(1)
	go func() {
		defer p.tickWG.Done()
		defer p.inProgress.Store(false)

		tick := p.tick.Inc()
		start := p.deps.Clock.Now()
		err := p.runTick(ctx, tick)
		metricTickSeconds.Observe(p.deps.Clock.Since(start).Seconds())

		switch {
		case err == nil:
			metricTicks.WithLabelValues("ok").Inc()
		case qerr.KindOf(err) == qerr.KindCancelled:
			metricTicks.WithLabelValues("cancelled").Inc()
		default:
			metricTicks.WithLabelValues("failed").Inc()
			level.Error(p.logger).Log("msg", "tick failed", "tick", tick, "err", err)
		}
	}()
}

func (p *Pipeline) runTick(ctx context.Context, tick uint64) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	defer cancel()

	window := 2 * p.cfg.TickInterval
	if window > fetchWindowCap {
		window = fetchWindowCap
	}

	it, err := p.deps.Collector.Fetch(ctx, window)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var normalized, skipped int
	for {
		sample, ok := it.Next()
		if !ok {
			break
		}

		res, err := p.deps.Transformer.Normalize(sample)
		if err != nil {
			if qerr.Fatal(err) {
				return err
			}
			skipped++
			metricSamples.WithLabelValues("skipped").Inc()
			level.Debug(p.logger).Log("msg", "sample skipped", "err", err)
			continue
		}
		normalized++
		metricSamples.WithLabelValues("normalized").Inc()

		if err := p.syncEntity(res, tick); err != nil {
			level.Warn(p.logger).Log("msg", "entity sync failed", "guid", res.Event.EntityGUID, "err", err)
		}
		if err := p.deps.Streamer.EnqueueEvent(ctx, *res.Event); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
	}

	p.aggregateClusters(tick)
	if err := p.emitEntityEvents(ctx); err != nil {
		return err
	}
	if err := p.emitRelationshipEvents(ctx); err != nil {
		return err
	}

	if removed := p.deps.Registry.Sweep(tick, p.cfg.SweepAbsentTicks); len(removed) > 0 {
		level.Info(p.logger).Log("msg", "stale entities swept", "tick", tick, "count", len(removed))
	}

	if p.cfg.VerifyEveryTicks > 0 && tick%p.cfg.VerifyEveryTicks == 0 {
		p.scheduleVerification(tick)
	}

	level.Info(p.logger).Log("msg", "tick complete", "tick", tick,
		"normalized", normalized, "skipped", skipped, "entities", p.deps.Registry.Len())
	return nil
}

// syncEntity upserts the entity behind a normalized sample and reconciles
// its relationships. The containing cluster is synthesized on first sight.
func (p *Pipeline) syncEntity(res *transformer.Result, tick uint64) error {
	id := res.Identity

	cluster, err := p.deps.Factory.CreateCluster(registry.ClusterSpec{ClusterName: id.ClusterName})
	if err != nil {
		return err
	}
	p.deps.Registry.MarkSeen(cluster.GUID, tick)

	var e *entity.Entity
	switch id.Type {
	case entity.TypeBroker:
		hostname := id.Hostname
		if hostname == "" {
			// Some agent versions omit the host; synthesize a stable one so
			// the entity still validates.
			hostname = fmt.Sprintf("%s-broker-%d", id.ClusterName, id.BrokerID)
		}
		e, err = p.deps.Factory.CreateBroker(registry.BrokerSpec{
			BrokerID:    id.BrokerID,
			Hostname:    hostname,
			ClusterName: id.ClusterName,
			Port:        id.Port,
			ClusterGUID: cluster.GUID,
		})
	case entity.TypeTopic:
		partitions, replication := id.PartitionCount, id.ReplicationFactor
		if partitions < 1 {
			partitions = 1
		}
		if replication < 1 {
			replication = 1
		}
		e, err = p.deps.Factory.CreateTopic(registry.TopicSpec{
			Topic:             id.Topic,
			ClusterName:       id.ClusterName,
			PartitionCount:    partitions,
			ReplicationFactor: replication,
			ClusterGUID:       cluster.GUID,
		})
	case entity.TypeConsumerGroup:
		var topics []string
		if id.Topic != "" {
			topics = []string{id.Topic}
		}
		e, err = p.deps.Factory.CreateConsumerGroup(registry.ConsumerGroupSpec{
			ConsumerGroupID: id.ConsumerGroupID,
			ClusterName:     id.ClusterName,
			Topics:          topics,
			State:           id.State,
			CoordinatorID:   id.CoordinatorID,
			ClusterGUID:     cluster.GUID,
		})
	default:
		return qerr.E(qerr.KindSchemaMismatch, "no entity mapping for type %s", id.Type)
	}
	if err != nil {
		return err
	}
	p.deps.Registry.MarkSeen(e.GUID, tick)

	rels := p.deps.Registry.Relationships()
	if id.Type == entity.TypeConsumerGroup {
		if id.Topic != "" {
			topicGUID := entity.TopicGUID(e.AccountID, e.Provider, id.ClusterName, id.Topic)
			if _, ok := p.deps.Registry.Get(topicGUID); ok {
				if err := rels.Add(e.GUID, topicGUID, relationship.ConsumesFrom, nil); err != nil {
					level.Debug(p.logger).Log("msg", "consumes-from edge rejected", "err", err)
				}
			}
		}
		if id.CoordinatorID != "" {
			if coordID, convErr := parseBrokerID(id.CoordinatorID); convErr == nil {
				brokerGUID := entity.BrokerGUID(e.AccountID, e.Provider, id.ClusterName, coordID)
				if _, ok := p.deps.Registry.Get(brokerGUID); ok {
					if err := rels.Add(brokerGUID, e.GUID, relationship.Coordinates, nil); err != nil {
						level.Debug(p.logger).Log("msg", "coordinates edge rejected", "err", err)
					}
				}
			}
		} else {
			level.Debug(p.logger).Log("msg", "consumer group without coordinator id", "guid", e.GUID)
		}
	}

	now := p.deps.Clock.Now()
	return p.deps.Registry.Upsert(e.GUID, func(e *entity.Entity) {
		if e.ConsumerGroup != nil && id.Topic != "" {
			e.ConsumerGroup.Topics = appendTopic(e.ConsumerGroup.Topics, id.Topic)
		}
		for metric, value := range res.Event.Metrics {
			if golden, ok := goldenByMetric[metric]; ok {
				e.SetGolden(golden, value, "", now)
			}
		}
	})
}

// appendTopic keeps a consumer group's topic set free of duplicates as
// samples for different topics arrive across ticks.
func appendTopic(topics []string, topic string) []string {
	for _, t := range topics {
		if t == topic {
			return topics
		}
	}
	return append(topics, topic)
}

// goldenByMetric selects which normalized metrics become golden metrics on
// the entity itself.
var goldenByMetric = map[string]string{
	"health.score":                       entity.GoldenHealthScore,
	"cpu.utilization":                    entity.GoldenCPU,
	"memory.utilization":                 entity.GoldenMemory,
	"request.latency.ms":                 entity.GoldenRequestLatency,
	"throughput.in.bytesPerSecond":       entity.GoldenThroughputIn,
	"throughput.out.bytesPerSecond":      entity.GoldenThroughputOut,
	"throughput.in.messagesPerSecond":    entity.GoldenThroughputIn,
	"throughput.out.messagesPerSecond":   entity.GoldenThroughputOut,
	"consumer.lag":                       entity.GoldenConsumerLag,
	"error.rate":                         entity.GoldenErrorRate,
	"group.totalLag":                     entity.GoldenTotalLag,
	"group.maxLag":                       entity.GoldenMaxLag,
	"group.avgLag":                       entity.GoldenAvgLag,
	"group.memberCount":                  entity.GoldenMemberCount,
	"consumption.rate.messagesPerSecond": entity.GoldenConsumptionRate,
	"group.rebalance.rate":               entity.GoldenRebalanceRate,
}

// aggregateClusters rolls child golden metrics up into each cluster: average
// health, summed throughput.
func (p *Pipeline) aggregateClusters(tick uint64) {
	rels := p.deps.Registry.Relationships()
	now := p.deps.Clock.Now()

	for _, cluster := range p.deps.Registry.ByType(entity.TypeCluster) {
		var (
			healthSum   float64
			healthCount int
			inSum       float64
			outSum      float64
		)
		for _, childGUID := range rels.Children(cluster.GUID) {
			child, ok := p.deps.Registry.Get(childGUID)
			if !ok {
				continue
			}
			if v, ok := child.GoldenValue(entity.GoldenHealthScore); ok {
				healthSum += v
				healthCount++
			}
			if child.Type == entity.TypeBroker {
				if v, ok := child.GoldenValue(entity.GoldenThroughputIn); ok {
					inSum += v
				}
				if v, ok := child.GoldenValue(entity.GoldenThroughputOut); ok {
					outSum += v
				}
			}
		}

		guid := cluster.GUID
		_ = p.deps.Registry.Upsert(guid, func(e *entity.Entity) {
			if healthCount > 0 {
				e.SetGolden(entity.GoldenHealthScore, healthSum/float64(healthCount), "", now)
			}
			e.SetGolden(entity.GoldenThroughputIn, inSum, "", now)
			e.SetGolden(entity.GoldenThroughputOut, outSum, "", now)
			e.SetGolden(entity.GoldenThroughputTotal, inSum+outSum, "", now)
		})
		p.deps.Registry.MarkSeen(guid, tick)
	}
}

// emitEntityEvents streams one entity event per live entity so the backend
// can synthesize and refresh entities, plus dimensional gauges for the
// golden metrics.
func (p *Pipeline) emitEntityEvents(ctx context.Context) error {
	now := p.deps.Clock.Now()

	for _, snap := range p.deps.Registry.Snapshot() {
		ev, gauges := entityPayloads(&snap, now)
		if err := p.deps.Streamer.EnqueueEvent(ctx, *ev); err != nil {
			return err
		}
		for _, g := range gauges {
			if err := p.deps.Streamer.EnqueueMetric(ctx, g); err != nil {
				return err
			}
		}

		guid := snap.GUID
		_ = p.deps.Registry.Upsert(guid, func(e *entity.Entity) { e.MarkPublished() })
	}
	return nil
}

// entityPayloads renders one entity into its entity event and golden-metric
// gauges. Besides the entity header the event carries the account and
// provider attributes the cloud UIs filter on: awsAccountId and
// instrumentation.provider for MSK views, tags.account and id for Confluent
// views. Golden metrics go out as kafka.* dimensional gauges.
func entityPayloads(snap *entity.Entity, now time.Time) (*udm.Event, []udm.Metric) {
	account := strconv.Itoa(snap.AccountID)

	ev := udm.NewEvent(udm.EventEntity, snap.GUID, string(snap.Provider), clusterNameOf(snap), now)
	ev.Identity["entity.name"] = snap.Name
	ev.Identity["entity.type"] = string(snap.Type)
	ev.Identity["awsAccountId"] = account
	ev.Identity["instrumentation.provider"] = string(snap.Provider)
	ev.Identity["tags.account"] = account
	ev.Identity["id"] = snap.GUID
	for _, g := range snap.Golden {
		ev.Metrics[g.Name] = g.Value
	}

	attrs := map[string]string{
		"entity.guid":              snap.GUID,
		"entity.type":              string(snap.Type),
		"provider":                 string(snap.Provider),
		"clusterName":              clusterNameOf(snap),
		"awsAccountId":             account,
		"instrumentation.provider": string(snap.Provider),
		"tags.account":             account,
		"id":                       snap.GUID,
	}
	gauges := make([]udm.Metric, 0, len(snap.Golden))
	for _, g := range snap.Golden {
		gauges = append(gauges, udm.Gauge("kafka."+g.Name, g.Value, attrs, now))
	}
	return ev, gauges
}

// emitRelationshipEvents announces forward edges whose endpoints have both
// been published already. An edge waits in the graph until its entities are
// visible on the backend, then is announced exactly once.
func (p *Pipeline) emitRelationshipEvents(ctx context.Context) error {
	now := p.deps.Clock.Now()

	for _, edge := range p.deps.Registry.Relationships().Export() {
		key := edge.SourceGUID + "|" + string(edge.Type) + "|" + edge.TargetGUID
		if _, done := p.emittedEdges[key]; done {
			continue
		}
		if !p.deps.Streamer.HasStreamed(edge.SourceGUID) || !p.deps.Streamer.HasStreamed(edge.TargetGUID) {
			continue
		}

		src, ok := p.deps.Registry.Get(edge.SourceGUID)
		if !ok {
			continue
		}
		ev := udm.NewEvent(udm.EventRelationship, edge.SourceGUID, string(src.Provider), clusterNameOf(src), now)
		ev.Identity["relationship.type"] = string(edge.Type)
		ev.Identity["target.entity.guid"] = edge.TargetGUID
		if err := p.deps.Streamer.EnqueueEvent(ctx, *ev); err != nil {
			return err
		}

		p.emittedEdges[key] = struct{}{}
		metricRelationshipEvents.Inc()
	}
	return nil
}

func (p *Pipeline) scheduleVerification(tick uint64) {
	if p.deps.Verifier == nil || p.deps.Pool == nil {
		return
	}

	_, err := p.deps.Pool.Submit(workerpool.Task{
		ID:       fmt.Sprintf("verify-%d", tick),
		Priority: workerpool.PriorityHigh,
		Process: func(ctx context.Context, _ any) error {
			report, err := p.deps.Verifier.Run(ctx)
			if err != nil {
				return err
			}
			p.mtx.Lock()
			p.lastReport = report
			p.mtx.Unlock()
			return nil
		},
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "verification not scheduled", "tick", tick, "err", err)
	}
}

// LastReport returns the most recent verification report, if any run has
// completed.
func (p *Pipeline) LastReport() *verifier.Report {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastReport
}

// Tick returns the number of ticks fired so far.
func (p *Pipeline) Tick() uint64 { return p.tick.Load() }

func clusterNameOf(e *entity.Entity) string {
	switch {
	case e.Cluster != nil:
		return e.Cluster.ClusterName
	case e.Broker != nil:
		return e.Broker.ClusterName
	case e.Topic != nil:
		return e.Topic.ClusterName
	case e.ConsumerGroup != nil:
		return e.ConsumerGroup.ClusterName
	default:
		return ""
	}
}

func parseBrokerID(s string) (int, error) {
	var id int
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
