package config

import (
	"flag"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/queueobs/queueobs/modules/collector"
	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/modules/pipeline"
	"github.com/queueobs/queueobs/modules/streamer"
	"github.com/queueobs/queueobs/modules/verifier"
	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/workerpool"
)

// Process exit codes.
const (
	// ExitReady means every critical verification passed, or none ran.
	ExitReady = 0
	// ExitRuntimeError covers failed critical verification and fatal
	// runtime errors.
	ExitRuntimeError    = 1
	ExitConfigInvalid   = 2
	ExitAuthFailed      = 3
	ExitShutdownTimeout = 4
)

// Config is the whole process configuration. Flag defaults apply first, a
// YAML file overrides them, and explicit flags override the file.
type Config struct {
	Provider entity.Provider `yaml:"provider"`
	LogLevel string          `yaml:"log_level"`

	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	SkewTolerance time.Duration `yaml:"skew_tolerance"`

	LagWarnThreshold  float64 `yaml:"lag_warn_threshold"`
	LagCritThreshold  float64 `yaml:"lag_crit_threshold"`
	TopicImbalancePct float64 `yaml:"topic_imbalance_pct"`

	// QueueDepthThresholds overrides the per-queue-type depth limits, keyed
	// by queue type (standard, fifo, ...).
	QueueDepthThresholds map[string]float64 `yaml:"queue_depth_thresholds"`

	Backend    backend.Config    `yaml:"backend"`
	Collector  collector.Config  `yaml:"collector"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
	Streamer   streamer.Config   `yaml:"streamer"`
	Verifier   verifier.Config   `yaml:"verifier"`
	WorkerPool workerpool.Config `yaml:"worker_pool"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Provider = entity.ProviderKafka
	f.StringVar(&cfg.LogLevel, prefix+"log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&cfg.MetricsListenAddr, prefix+"metrics-listen-addr", ":9090", "listen address for the /metrics endpoint (empty disables)")
	f.DurationVar(&cfg.SkewTolerance, prefix+"skew-tolerance", 15*time.Minute, "accepted clock skew on sample timestamps")
	f.Float64Var(&cfg.LagWarnThreshold, prefix+"lag-warn-threshold", 5000, "consumer lag warning threshold")
	f.Float64Var(&cfg.LagCritThreshold, prefix+"lag-crit-threshold", 10000, "consumer lag critical threshold")
	f.Float64Var(&cfg.TopicImbalancePct, prefix+"topic-imbalance-pct", 50, "in/out imbalance percentage that marks a topic unhealthy")

	cfg.Backend.RegisterFlagsAndApplyDefaults(prefix+"backend", f)
	cfg.Collector.RegisterFlagsAndApplyDefaults(prefix+"collector", f)
	cfg.Pipeline.RegisterFlagsAndApplyDefaults(prefix+"pipeline", f)
	cfg.Streamer.RegisterFlagsAndApplyDefaults(prefix+"streamer", f)
	cfg.Verifier.RegisterFlagsAndApplyDefaults(prefix+"verifier", f)
	cfg.WorkerPool.RegisterFlagsAndApplyDefaults(prefix+"worker-pool", f)
	cfg.WorkerPool.Name = "pipeline"
}

// LoadFile overlays a YAML config file onto the current values.
func (cfg *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return qerr.Wrap(qerr.KindConfigInvalid, err)
	}
	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return qerr.Wrap(qerr.KindConfigInvalid, err)
	}
	return nil
}

// Thresholds assembles the health thresholds from the flat tunables.
func (cfg *Config) Thresholds() entity.Thresholds {
	t := entity.DefaultThresholds()
	if cfg.LagWarnThreshold > 0 {
		t.LagWarn = cfg.LagWarnThreshold
	}
	if cfg.LagCritThreshold > 0 {
		t.LagCrit = cfg.LagCritThreshold
	}
	if cfg.TopicImbalancePct > 0 {
		t.TopicImbalance = cfg.TopicImbalancePct
	}
	for qt, depth := range cfg.QueueDepthThresholds {
		t.QueueDepth[entity.QueueType(qt)] = depth
	}
	return t
}

// Validate returns every problem found, not just the first. All errors carry
// KindConfigInvalid.
func (cfg *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, qerr.E(qerr.KindConfigInvalid, format, args...))
	}

	if !cfg.Provider.Valid() {
		fail("unknown provider %q", cfg.Provider)
	}
	if cfg.Backend.AccountID <= 0 {
		fail("backend.account_id must be positive")
	}
	if !cfg.Backend.DryRun && cfg.Backend.APIKey == "" {
		fail("backend.api_key is required unless dry_run is set")
	}
	switch cfg.Backend.Region {
	case "US", "EU":
	default:
		fail("backend.region must be US or EU, got %q", cfg.Backend.Region)
	}
	switch cfg.Collector.Mode {
	case collector.ModeSimulation, collector.ModeInfrastructure, collector.ModeHybrid:
	default:
		fail("collector.mode must be simulation, infrastructure or hybrid, got %q", cfg.Collector.Mode)
	}
	if cfg.Collector.Mode != collector.ModeSimulation && cfg.Backend.UserAPIKey == "" {
		fail("backend.user_api_key is required for query-backed collection")
	}
	if r := cfg.Collector.Simulation.AnomalyRate; r < 0 || r > 1 {
		fail("collector.simulation.anomaly_rate must be within [0, 1], got %v", r)
	}
	if cfg.Pipeline.TickInterval <= 0 {
		fail("pipeline.tick_interval must be positive")
	}
	if cfg.Streamer.BatchSize <= 0 {
		fail("streamer.batch_size must be positive")
	}
	if cfg.Streamer.MaxBuffer < cfg.Streamer.BatchSize {
		fail("streamer.max_buffer must be at least streamer.batch_size")
	}
	switch cfg.Streamer.Backpressure {
	case streamer.PolicyBlock, streamer.PolicyReject:
	default:
		fail("streamer.backpressure must be block or reject, got %q", cfg.Streamer.Backpressure)
	}
	if cfg.LagCritThreshold < cfg.LagWarnThreshold {
		fail("lag_crit_threshold must be >= lag_warn_threshold")
	}
	if cfg.WorkerPool.Workers <= 0 {
		fail("worker_pool.workers must be positive")
	}
	for _, name := range cfg.Verifier.Suites {
		if _, err := verifier.SuiteByName(name, time.Now(), time.Minute, time.Minute); err != nil {
			fail("unknown verification suite %q", name)
		}
	}
	return errs
}

// ExitCodeFor maps a terminal error to the process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitReady
	case qerr.KindOf(err) == qerr.KindConfigInvalid:
		return ExitConfigInvalid
	case qerr.KindOf(err) == qerr.KindAuthFailed:
		return ExitAuthFailed
	default:
		return ExitRuntimeError
	}
}

// NewLogger builds the process logger at the configured level.
func NewLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
