package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/queueobs/queueobs/modules/collector"
	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/pkg/qerr"
)

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	return cfg
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Backend.AccountID = 1
	cfg.Backend.APIKey = "ingest-key"
	return cfg
}

func TestDefaultsAreValidWithCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsListenAddr)
	assert.Equal(t, collector.ModeSimulation, cfg.Collector.Mode)
	assert.Equal(t, 15*time.Minute, cfg.SkewTolerance)
	assert.Equal(t, "pipeline", cfg.WorkerPool.Name)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Provider = "mainframe"
	cfg.Backend.AccountID = 0
	cfg.Backend.Region = "MARS"
	cfg.Streamer.BatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, qerr.KindConfigInvalid, qerr.KindOf(err))

	// One entry per problem, nothing short-circuits.
	errs := multierr.Errors(err)
	assert.GreaterOrEqual(t, len(errs), 5)
}

func TestValidateDryRunSkipsAPIKey(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.AccountID = 1
	cfg.Backend.DryRun = true
	require.NoError(t, cfg.Validate())
}

func TestValidateQueryModeNeedsUserKey(t *testing.T) {
	cfg := validConfig()
	cfg.Collector.Mode = collector.ModeInfrastructure
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_api_key")

	cfg.Backend.UserAPIKey = "user-key"
	require.NoError(t, cfg.Validate())
}

func TestValidateLagThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.LagWarnThreshold = 10000
	cfg.LagCritThreshold = 5000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lag_crit_threshold")
}

func TestValidateUnknownSuite(t *testing.T) {
	cfg := validConfig()
	cfg.Verifier.Suites = append(cfg.Verifier.Suites, "made-up")
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "made-up")
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
backend:
  account_id: 42
  api_key: file-key
  region: EU
streamer:
  batch_size: 250
`), 0o644))

	cfg := defaultConfig()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 42, cfg.Backend.AccountID)
	assert.Equal(t, "EU", cfg.Backend.Region)
	assert.Equal(t, 250, cfg.Streamer.BatchSize)
	// Untouched values keep their flag defaults.
	assert.Equal(t, ":9090", cfg.MetricsListenAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: true\n"), 0o644))

	cfg := defaultConfig()
	err := cfg.LoadFile(path)
	require.Error(t, err)
	assert.Equal(t, qerr.KindConfigInvalid, qerr.KindOf(err))
}

func TestLoadFileMissing(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, qerr.KindConfigInvalid, qerr.KindOf(err))
}

func TestThresholdsOverlay(t *testing.T) {
	cfg := defaultConfig()
	cfg.LagWarnThreshold = 100
	cfg.LagCritThreshold = 200
	cfg.TopicImbalancePct = 30

	th := cfg.Thresholds()
	assert.Equal(t, 100.0, th.LagWarn)
	assert.Equal(t, 200.0, th.LagCrit)
	assert.Equal(t, 30.0, th.TopicImbalance)

	// Zeroed tunables fall back to the shipped defaults.
	cfg.LagWarnThreshold = 0
	assert.Positive(t, cfg.Thresholds().LagWarn)

	cfg.QueueDepthThresholds = map[string]float64{"fifo": 1234}
	assert.Equal(t, 1234.0, cfg.Thresholds().QueueDepth[entity.QueueFIFO])
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitReady, ExitCodeFor(nil))
	assert.Equal(t, ExitConfigInvalid, ExitCodeFor(qerr.E(qerr.KindConfigInvalid, "bad")))
	assert.Equal(t, ExitAuthFailed, ExitCodeFor(qerr.E(qerr.KindAuthFailed, "bad key")))
	assert.Equal(t, ExitRuntimeError, ExitCodeFor(qerr.E(qerr.KindBackendUnavailable, "down")))

	// The codes themselves are contract: scripts branch on them.
	assert.Equal(t, 0, ExitReady)
	assert.Equal(t, 1, ExitRuntimeError)
	assert.Equal(t, 2, ExitConfigInvalid)
	assert.Equal(t, 3, ExitAuthFailed)
	assert.Equal(t, 4, ExitShutdownTimeout)
}
