package streamer

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

var (
	metricEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "enqueued_total",
		Help:      "Payloads accepted into the streamer buffer.",
	}, []string{"kind"})
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "published_total",
		Help:      "Payloads successfully delivered to the backend.",
	}, []string{"kind"})
	metricBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "batches_total",
		Help:      "Flushed batches by outcome.",
	}, []string{"kind", "outcome"})
	metricRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "retries_total",
		Help:      "Batch publish retries after a failed attempt.",
	})
	metricDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "dead_lettered_total",
		Help:      "Payloads handed to the dead-letter hook after retries were exhausted.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "dropped_total",
		Help:      "Payloads rejected because the buffer was full.",
	})
	metricBufferLen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "streamer",
		Name:      "buffer_length",
		Help:      "Payloads currently waiting in the buffer.",
	}, []string{"kind"})
)

// Policy decides what Enqueue does when the buffer is full.
type Policy string

const (
	// PolicyBlock makes Enqueue wait for buffer space or context cancellation.
	PolicyBlock Policy = "block"
	// PolicyReject makes Enqueue fail fast with BufferFull.
	PolicyReject Policy = "reject"
)

const maxRetryDelay = 60 * time.Second

type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Backpressure  Policy        `yaml:"backpressure"`

	// ShutdownTimeout bounds the final drain when the service stops.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "events per flushed batch")
	f.DurationVar(&cfg.FlushInterval, prefix+".flush-interval", 10*time.Second, "max age of a partial batch before it is flushed")
	f.IntVar(&cfg.MaxBuffer, prefix+".max-buffer", 10000, "buffered payloads before backpressure applies")
	f.IntVar(&cfg.RetryAttempts, prefix+".retry-attempts", 3, "batch publish retries before dead-lettering")
	f.DurationVar(&cfg.RetryDelay, prefix+".retry-delay", time.Second, "initial delay between batch publish retries")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+".shutdown-timeout", 30*time.Second, "time allowed for the final drain")
	cfg.Backpressure = PolicyBlock
}

// DeadLetterFunc receives batches that could not be delivered. The streamer
// never drops a batch silently: it is either published or dead-lettered.
type DeadLetterFunc func(events []udm.Event, metrics []udm.Metric, err error)

// Streamer batches normalized events and dimensional metrics and publishes
// them through the backend client. Delivery is at-least-once: a batch that
// fails mid-retry may be re-sent in full.
type Streamer struct {
	services.Service

	cfg        Config
	client     *backend.Client
	clk        clock.Clock
	logger     log.Logger
	deadLetter DeadLetterFunc

	events  chan udm.Event
	metrics chan udm.Metric

	// pending holds the partial batch the running loop has accumulated.
	// Only the running loop touches it; stopping runs after running
	// returns and publishes whatever is left.
	pendingEvents  []udm.Event
	pendingMetrics []udm.Metric

	mtx      sync.Mutex
	streamed map[string]struct{} // entity GUIDs seen in published events

	enqueued     atomic.Int64
	published    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	batches      atomic.Int64
	deadLettered atomic.Int64
}

// Stats is a point-in-time snapshot of streamer throughput.
type Stats struct {
	Enqueued     int64
	Published    int64
	Failed       int64
	Retried      int64
	Batches      int64
	DeadLettered int64
	Buffered     int
}

func New(cfg Config, client *backend.Client, clk clock.Clock, deadLetter DeadLetterFunc, logger log.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = PolicyBlock
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Streamer{
		cfg:        cfg,
		client:     client,
		clk:        clk,
		logger:     logger,
		deadLetter: deadLetter,
		events:     make(chan udm.Event, cfg.MaxBuffer),
		metrics:    make(chan udm.Metric, cfg.MaxBuffer),
		streamed:   make(map[string]struct{}),
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

// EnqueueEvent hands one event to the streamer. Behavior on a full buffer
// follows the configured backpressure policy.
func (s *Streamer) EnqueueEvent(ctx context.Context, ev udm.Event) error {
	select {
	case s.events <- ev:
	default:
		if s.cfg.Backpressure == PolicyReject {
			metricDropped.Inc()
			return qerr.E(qerr.KindBufferFull, "event buffer full (%d)", s.cfg.MaxBuffer)
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return qerr.Wrap(qerr.KindCancelled, ctx.Err())
		}
	}
	s.enqueued.Inc()
	metricEnqueued.WithLabelValues("event").Inc()
	metricBufferLen.WithLabelValues("event").Set(float64(len(s.events)))
	return nil
}

// EnqueueMetric hands one dimensional metric to the streamer.
func (s *Streamer) EnqueueMetric(ctx context.Context, m udm.Metric) error {
	select {
	case s.metrics <- m:
	default:
		if s.cfg.Backpressure == PolicyReject {
			metricDropped.Inc()
			return qerr.E(qerr.KindBufferFull, "metric buffer full (%d)", s.cfg.MaxBuffer)
		}
		select {
		case s.metrics <- m:
		case <-ctx.Done():
			return qerr.Wrap(qerr.KindCancelled, ctx.Err())
		}
	}
	s.enqueued.Inc()
	metricEnqueued.WithLabelValues("metric").Inc()
	metricBufferLen.WithLabelValues("metric").Set(float64(len(s.metrics)))
	return nil
}

func (s *Streamer) running(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	lastFlush := s.clk.Now()

	flush := func() {
		if len(s.pendingEvents) > 0 {
			s.publishEvents(ctx, s.pendingEvents)
			s.pendingEvents = nil
		}
		if len(s.pendingMetrics) > 0 {
			s.publishMetrics(ctx, s.pendingMetrics)
			s.pendingMetrics = nil
		}
		lastFlush = s.clk.Now()
	}

	for {
		select {
		case <-ctx.Done():
			// The partial batch stays on the struct: stopping publishes it
			// with a fresh context so a graceful shutdown does not
			// dead-letter healthy payloads.
			return nil

		case ev := <-s.events:
			s.pendingEvents = append(s.pendingEvents, ev)
			metricBufferLen.WithLabelValues("event").Set(float64(len(s.events)))
			if len(s.pendingEvents) >= s.cfg.BatchSize {
				flush()
			}

		case m := <-s.metrics:
			s.pendingMetrics = append(s.pendingMetrics, m)
			metricBufferLen.WithLabelValues("metric").Set(float64(len(s.metrics)))
			if len(s.pendingMetrics) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.Chan():
			if s.clk.Since(lastFlush) >= s.cfg.FlushInterval {
				flush()
			}
		}
	}
}

// stopping publishes the partial batch the running loop left behind, then
// drains whatever the buffer still holds, all within ShutdownTimeout.
func (s *Streamer) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	events := s.pendingEvents
	metrics := s.pendingMetrics
	s.pendingEvents, s.pendingMetrics = nil, nil
	for {
		select {
		case ev := <-s.events:
			events = append(events, ev)
			continue
		default:
		}
		select {
		case m := <-s.metrics:
			metrics = append(metrics, m)
			continue
		default:
		}
		break
	}

	for len(events) > 0 {
		n := s.cfg.BatchSize
		if n > len(events) {
			n = len(events)
		}
		s.publishEvents(ctx, events[:n])
		events = events[n:]
	}
	for len(metrics) > 0 {
		n := s.cfg.BatchSize
		if n > len(metrics) {
			n = len(metrics)
		}
		s.publishMetrics(ctx, metrics[:n])
		metrics = metrics[n:]
	}
	return nil
}

func (s *Streamer) publishEvents(ctx context.Context, batch []udm.Event) {
	s.batches.Inc()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.PostEvents(ctx, batch)
	})
	if err != nil {
		s.failBatch(batch, nil, err)
		return
	}

	s.published.Add(int64(len(batch)))
	metricPublished.WithLabelValues("event").Add(float64(len(batch)))
	metricBatches.WithLabelValues("event", "ok").Inc()

	s.mtx.Lock()
	for i := range batch {
		if guid := batch[i].EntityGUID; guid != "" {
			s.streamed[guid] = struct{}{}
		}
	}
	s.mtx.Unlock()
}

func (s *Streamer) publishMetrics(ctx context.Context, batch []udm.Metric) {
	s.batches.Inc()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.PostMetrics(ctx, batch)
	})
	if err != nil {
		s.failBatch(nil, batch, err)
		return
	}
	s.published.Add(int64(len(batch)))
	metricPublished.WithLabelValues("metric").Add(float64(len(batch)))
	metricBatches.WithLabelValues("metric", "ok").Inc()
}

// withRetry re-sends a failed batch with exponential delay. The backend
// client already retries transport-level errors; this layer catches longer
// outages, circuit-open windows included.
func (s *Streamer) withRetry(ctx context.Context, send func(context.Context) error) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.RetryDelay,
		MaxBackoff: maxRetryDelay,
		MaxRetries: s.cfg.RetryAttempts + 1,
	})

	var lastErr error
	for attempt := 0; boff.Ongoing(); attempt++ {
		if attempt > 0 {
			s.retried.Inc()
			metricRetried.Inc()
		}
		lastErr = send(ctx)
		if lastErr == nil {
			return nil
		}
		if qerr.Fatal(lastErr) || qerr.KindOf(lastErr) == qerr.KindCancelled || qerr.KindOf(lastErr) == qerr.KindValidationFailed {
			return lastErr
		}
		level.Warn(s.logger).Log("msg", "batch publish failed, retrying", "attempt", boff.NumRetries(), "err", lastErr)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return lastErr
}

func (s *Streamer) failBatch(events []udm.Event, metrics []udm.Metric, err error) {
	n := len(events) + len(metrics)
	s.failed.Add(int64(n))
	kind := "event"
	if len(metrics) > 0 {
		kind = "metric"
	}
	metricBatches.WithLabelValues(kind, "failed").Inc()
	level.Error(s.logger).Log("msg", "batch dead-lettered", "kind", kind, "size", n, "err", err)

	s.deadLettered.Add(int64(n))
	metricDeadLettered.Add(float64(n))
	if s.deadLetter != nil {
		s.deadLetter(events, metrics, err)
	}
}

// HasStreamed reports whether at least one event for the GUID was published.
func (s *Streamer) HasStreamed(guid string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.streamed[guid]
	return ok
}

func (s *Streamer) Stats() Stats {
	return Stats{
		Enqueued:     s.enqueued.Load(),
		Published:    s.published.Load(),
		Failed:       s.failed.Load(),
		Retried:      s.retried.Load(),
		Batches:      s.batches.Load(),
		DeadLettered: s.deadLettered.Load(),
		Buffered:     len(s.events) + len(s.metrics),
	}
}
