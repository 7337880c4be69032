package circuitbreaker

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/queueobs/queueobs/pkg/qerr"
)

var (
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state. 0=closed 1=half-open 2=open.",
	}, []string{"name"})
	metricShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "circuitbreaker",
		Name:      "short_circuits_total",
		Help:      "Calls rejected without reaching the dependency.",
	}, []string{"name"})
)

// ErrCircuitOpen is returned when the breaker short-circuits a call.
var ErrCircuitOpen = qerr.E(qerr.KindCircuitOpen, "circuit open")

// Config mirrors the per-dependency breaker options.
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	VolumeThreshold  uint32        `yaml:"volume_threshold"`
	RetryTimeout     time.Duration `yaml:"retry_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FailureThreshold = 5
	cfg.SuccessThreshold = 2
	cfg.VolumeThreshold = 5
	f.DurationVar(&cfg.RetryTimeout, prefix+".retry-timeout", 30*time.Second, "time in OPEN before a half-open probe is allowed")
	f.DurationVar(&cfg.CallTimeout, prefix+".call-timeout", 30*time.Second, "per-call timeout applied inside the breaker")
}

// ErrorFilter decides whether an error counts as a dependency failure.
// Cancellation never counts regardless of the filter.
type ErrorFilter func(error) bool

// Breaker isolates a single dependency. The state machine itself is
// sony/gobreaker; this wrapper adds the per-call timeout, the error filter,
// the optional fallback and kind-typed errors.
type Breaker struct {
	name     string
	cfg      Config
	cb       *gobreaker.CircuitBreaker
	filter   ErrorFilter
	fallback func(context.Context) error
	logger   log.Logger
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithErrorFilter installs a predicate selecting which errors trip the
// breaker. Errors the filter rejects still fail the call.
func WithErrorFilter(f ErrorFilter) Option {
	return func(b *Breaker) { b.filter = f }
}

// WithFallback installs a callback invoked instead of the dependency while
// the circuit is open.
func WithFallback(f func(context.Context) error) Option {
	return func(b *Breaker) { b.fallback = f }
}

func New(name string, cfg Config, logger log.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RetryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.VolumeThreshold &&
				counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: b.countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricState.WithLabelValues(name).Set(stateValue(to))
			level.Info(logger).Log("msg", "circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	metricState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))

	return b
}

// Execute runs fn through the breaker, applying the configured per-call
// timeout. While the circuit is open the call short-circuits with
// ErrCircuitOpen, or runs the fallback when one is installed.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metricShortCircuits.WithLabelValues(b.name).Inc()
		if b.fallback != nil {
			return b.fallback(ctx)
		}
		return ErrCircuitOpen
	}
	return err
}

// State exposes the underlying breaker state for tests and status pages.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	// Cancelled work says nothing about dependency health.
	if qerr.KindOf(err) == qerr.KindCancelled || errors.Is(err, context.Canceled) {
		return true
	}
	if b.filter != nil {
		return !b.filter(err)
	}
	return false
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
