package workerpool

import (
	"context"
	"flag"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/queueobs/queueobs/pkg/qerr"
)

var (
	metricQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "queue_length",
		Help:      "Current number of queued tasks.",
	}, []string{"pool"})
	metricActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "active_tasks",
		Help:      "Tasks currently being processed.",
	}, []string{"pool"})
	metricCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "tasks_completed_total",
		Help:      "Tasks completed successfully.",
	}, []string{"pool", "worker"})
	metricErrored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "tasks_errored_total",
		Help:      "Tasks that exhausted their retry budget.",
	}, []string{"pool", "worker"})
	metricProcessingSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "processing_seconds_total",
		Help:      "Total task processing time, retries included.",
	}, []string{"pool"})
	metricPeakConcurrency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "workerpool",
		Name:      "peak_concurrency",
		Help:      "Highest number of simultaneously active tasks seen.",
	}, []string{"pool"})
)

// ErrShutdown rejects work submitted after Shutdown.
var ErrShutdown = qerr.E(qerr.KindCancelled, "worker pool shut down")

// ErrQueueFull rejects work when the queue has no room.
var ErrQueueFull = qerr.E(qerr.KindBufferFull, "worker pool queue full")

// Priority orders tasks within the pool. High priority tasks are always
// picked before normal ones.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Task is one unit of work with its own retry budget.
type Task struct {
	ID            string
	Payload       any
	Process       func(ctx context.Context, payload any) error
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Priority      Priority
}

// Handle lets the submitter await the task outcome.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return qerr.Wrap(qerr.KindCancelled, ctx.Err())
	}
}

func (h *Handle) resolve(err error) {
	h.err = err
	close(h.done)
}

type job struct {
	task   Task
	handle *Handle
}

// Config for a worker pool.
type Config struct {
	Name       string `yaml:"name"`
	Workers    int    `yaml:"workers"`
	QueueDepth int    `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "number of pool workers")
	f.IntVar(&cfg.QueueDepth, prefix+".queue-depth", 1000, "max queued tasks across both priorities")
}

// Pool is a fixed-size worker pool over a two-level priority queue.
type Pool struct {
	cfg    Config
	logger log.Logger

	high   chan *job
	normal chan *job

	stopped  *atomic.Bool
	active   *atomic.Int32
	peak     *atomic.Int32
	baseCtx  context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}

func New(cfg Config, logger log.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		high:    make(chan *job, cfg.QueueDepth),
		normal:  make(chan *job, cfg.QueueDepth),
		stopped: atomic.NewBool(false),
		active:  atomic.NewInt32(0),
		peak:    atomic.NewInt32(0),
		baseCtx: ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.workerWG.Add(1)
		go p.worker(strconv.Itoa(i))
	}

	return p
}

// Submit queues a task and returns a handle to await it. Fails with
// ErrQueueFull when the queue for the task's priority has no room and with
// ErrShutdown after Shutdown was called.
func (p *Pool) Submit(task Task) (*Handle, error) {
	if p.stopped.Load() {
		return nil, ErrShutdown
	}
	if task.Process == nil {
		return nil, qerr.E(qerr.KindValidationFailed, "task %s has no processor", task.ID)
	}

	j := &job{task: task, handle: &Handle{done: make(chan struct{})}}

	q := p.normal
	if task.Priority == PriorityHigh {
		q = p.high
	}
	select {
	case q <- j:
		metricQueued.WithLabelValues(p.cfg.Name).Inc()
		return j.handle, nil
	default:
		return nil, ErrQueueFull
	}
}

// Shutdown stops intake, waits for queued and active work to drain, and on
// deadline expiry cancels whatever remains. Remaining waiters are rejected
// with Cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.high)
	close(p.normal)

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return qerr.E(qerr.KindTimeout, "worker pool %s drain deadline exceeded", p.cfg.Name)
	}
}

func (p *Pool) worker(id string) {
	defer p.workerWG.Done()

	high, normal := p.high, p.normal
	for high != nil || normal != nil {
		// Prefer high priority work when any is queued.
		var j *job
		var ok bool
		select {
		case j, ok = <-high:
			if !ok {
				high = nil
				continue
			}
		default:
			select {
			case j, ok = <-high:
				if !ok {
					high = nil
					continue
				}
			case j, ok = <-normal:
				if !ok {
					normal = nil
					continue
				}
			}
		}

		metricQueued.WithLabelValues(p.cfg.Name).Dec()
		p.run(id, j)
	}
}

func (p *Pool) run(workerID string, j *job) {
	active := p.active.Inc()
	metricActive.WithLabelValues(p.cfg.Name).Set(float64(active))
	if active > p.peak.Load() {
		p.peak.Store(active)
		metricPeakConcurrency.WithLabelValues(p.cfg.Name).Set(float64(active))
	}
	defer func() {
		metricActive.WithLabelValues(p.cfg.Name).Set(float64(p.active.Dec()))
	}()

	start := time.Now()
	err := p.runWithRetry(j.task)
	metricProcessingSeconds.WithLabelValues(p.cfg.Name).Add(time.Since(start).Seconds())

	if err != nil {
		metricErrored.WithLabelValues(p.cfg.Name, workerID).Inc()
		level.Warn(p.logger).Log("msg", "task failed", "pool", p.cfg.Name, "task", j.task.ID, "err", err)
	} else {
		metricCompleted.WithLabelValues(p.cfg.Name, workerID).Inc()
	}
	j.handle.resolve(err)
}

func (p *Pool) runWithRetry(task Task) error {
	retryDelay := task.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	boff := backoff.New(p.baseCtx, backoff.Config{
		MinBackoff: retryDelay,
		MaxBackoff: 60 * time.Second,
		MaxRetries: task.RetryAttempts + 1,
	})

	var lastErr error
	for boff.Ongoing() {
		lastErr = p.runOnce(task)
		if lastErr == nil {
			return nil
		}
		if qerr.KindOf(lastErr) == qerr.KindCancelled {
			return lastErr
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = qerr.Wrap(qerr.KindCancelled, boff.Err())
	}
	return lastErr
}

func (p *Pool) runOnce(task Task) error {
	ctx := p.baseCtx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	err := task.Process(ctx, task.Payload)
	if err != nil && p.baseCtx.Err() != nil {
		return qerr.Wrap(qerr.KindCancelled, p.baseCtx.Err())
	}
	return err
}

// Stats is a point-in-time snapshot used by tests and status reporting.
type Stats struct {
	Active          int32
	PeakConcurrency int32
}

func (p *Pool) Stats() Stats {
	return Stats{
		Active:          p.active.Load(),
		PeakConcurrency: p.peak.Load(),
	}
}
