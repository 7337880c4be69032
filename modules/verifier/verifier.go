package verifier

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/qerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricTests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "verifier",
		Name:      "tests_total",
		Help:      "Verification tests executed, by outcome.",
	}, []string{"suite", "outcome"})
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "verifier",
		Name:      "runs_total",
		Help:      "Verification runs, by verdict.",
	}, []string{"verdict"})
	metricRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "queueobs",
		Subsystem: "verifier",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full verification run.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Verdict is the overall outcome of a verification run.
type Verdict string

const (
	VerdictReady    Verdict = "READY"
	VerdictPartial  Verdict = "PARTIAL"
	VerdictNotReady Verdict = "NOT_READY"
)

// minQueryInterval keeps verification queries from hammering the query API.
const minQueryInterval = 100 * time.Millisecond

// Test is one NRQL assertion. Evaluate inspects the result rows and returns
// a descriptive error on failure.
type Test struct {
	ID          string
	Name        string
	Description string
	NRQL        string
	Evaluate    func(backend.ResultSet) error
}

// Suite groups related tests under one name. Critical suites decide the
// verdict: any critical failure is NOT_READY, non-critical failures alone
// degrade to PARTIAL.
type Suite struct {
	Name     string
	Critical bool
	Tests    []Test
}

type TestResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	NRQL     string        `json:"nrql"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

type SuiteResult struct {
	Name     string       `json:"name"`
	Critical bool         `json:"critical"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Tests    []TestResult `json:"tests"`
}

// CriticalSummary counts only tests from critical suites; its pass rate is
// what the exit code keys on.
type CriticalSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
}

type Summary struct {
	Total    int             `json:"total"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Critical CriticalSummary `json:"critical"`
}

// Report is the artifact of one verification run. The gate suite runs
// first; when it fails, only the remaining critical suites are still
// consulted and the verdict is NOT_READY regardless of their content.
type Report struct {
	StartedAt  time.Time     `json:"startTime"`
	EndedAt    time.Time     `json:"endTime"`
	Duration   time.Duration `json:"duration"`
	GatePassed bool          `json:"gatePassed"`
	Suites     []SuiteResult `json:"suites"`
	Summary    Summary       `json:"summary"`
	Verdict    Verdict       `json:"verdict"`
}

// CriticalPassRate is the fraction of critical tests that passed, in
// [0, 1]. A run with no critical tests counts as fully passed.
func (r *Report) CriticalPassRate() float64 {
	if r.Summary.Critical.Total == 0 {
		return 1
	}
	return float64(r.Summary.Critical.Passed) / float64(r.Summary.Critical.Total)
}

// ExitCode maps the verdict to a process exit code: 0 when every critical
// test passed, 1 otherwise. PARTIAL means only non-critical suites failed,
// so it still exits 0.
func (r *Report) ExitCode() int {
	switch r.Verdict {
	case VerdictReady, VerdictPartial:
		return 0
	default:
		return 1
	}
}

type Config struct {
	Suites        []string      `yaml:"suites"`
	ArtifactDir   string        `yaml:"artifact_dir"`
	QueryInterval time.Duration `yaml:"query_interval"`

	// FreshnessWindow bounds how stale the newest sample may be.
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	// LookbackWindow scopes every verification query.
	LookbackWindow time.Duration `yaml:"lookback_window"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ArtifactDir, prefix+".artifact-dir", "", "directory for verification report artifacts (empty disables)")
	f.DurationVar(&cfg.QueryInterval, prefix+".query-interval", minQueryInterval, "minimum spacing between verification queries")
	f.DurationVar(&cfg.FreshnessWindow, prefix+".freshness-window", 5*time.Minute, "max age of the newest sample before freshness fails")
	f.DurationVar(&cfg.LookbackWindow, prefix+".lookback-window", 10*time.Minute, "lookback window for verification queries")
	cfg.Suites = []string{SuiteEntitySynthesis, SuiteMetricsFreshness, SuiteDataQuality}
}

// QueryClient is the slice of the backend client the verifier needs.
type QueryClient interface {
	Query(ctx context.Context, nrql string) (backend.ResultSet, error)
}

// Verifier runs NRQL assertion suites against the backend and renders a
// readiness verdict.
type Verifier struct {
	cfg     Config
	client  QueryClient
	limiter *rate.Limiter
	clk     clock.Clock
	logger  log.Logger
}

func New(cfg Config, client QueryClient, clk clock.Clock, logger log.Logger) *Verifier {
	if cfg.QueryInterval < minQueryInterval {
		cfg.QueryInterval = minQueryInterval
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 5 * time.Minute
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = 10 * time.Minute
	}
	return &Verifier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.QueryInterval), 1),
		clk:     clk,
		logger:  logger,
	}
}

// Run executes the gate suite and then every configured suite, and returns
// the report. An error is returned only when the run itself could not
// execute; failed assertions are reported through the verdict.
func (v *Verifier) Run(ctx context.Context) (*Report, error) {
	start := v.clk.Now()
	report := &Report{StartedAt: start}

	gate := MasterSuite(start, v.cfg.FreshnessWindow, v.cfg.LookbackWindow)
	gateResult, err := v.runSuite(ctx, gate)
	if err != nil {
		return nil, err
	}
	report.Suites = append(report.Suites, gateResult)
	report.GatePassed = gateResult.Failed == 0

	if !report.GatePassed {
		level.Warn(v.logger).Log("msg", "gate suite failed, skipping non-critical suites", "failed", gateResult.Failed)
	}
	for _, name := range v.cfg.Suites {
		suite, err := SuiteByName(name, start, v.cfg.FreshnessWindow, v.cfg.LookbackWindow)
		if err != nil {
			return nil, err
		}
		if !report.GatePassed && !suite.Critical {
			continue
		}
		res, err := v.runSuite(ctx, suite)
		if err != nil {
			return nil, err
		}
		report.Suites = append(report.Suites, res)
	}

	for _, s := range report.Suites {
		report.Summary.Total += len(s.Tests)
		report.Summary.Passed += s.Passed
		report.Summary.Failed += s.Failed
		if s.Critical {
			report.Summary.Critical.Total += len(s.Tests)
			report.Summary.Critical.Passed += s.Passed
		}
	}
	report.Verdict = verdict(report)
	report.Duration = v.clk.Since(start)
	report.EndedAt = start.Add(report.Duration)

	metricRuns.WithLabelValues(string(report.Verdict)).Inc()
	metricRunSeconds.Observe(report.Duration.Seconds())
	level.Info(v.logger).Log("msg", "verification run complete", "verdict", report.Verdict,
		"passed", report.Summary.Passed, "failed", report.Summary.Failed,
		"critical_pass_rate", report.CriticalPassRate(), "duration", report.Duration)

	if v.cfg.ArtifactDir != "" {
		if err := v.writeArtifact(report); err != nil {
			level.Warn(v.logger).Log("msg", "failed to write verification artifact", "err", err)
		}
	}
	return report, nil
}

func verdict(r *Report) Verdict {
	switch {
	case r.Summary.Critical.Passed < r.Summary.Critical.Total:
		return VerdictNotReady
	case r.Summary.Failed > 0:
		return VerdictPartial
	default:
		return VerdictReady
	}
}

func (v *Verifier) runSuite(ctx context.Context, suite Suite) (SuiteResult, error) {
	result := SuiteResult{Name: suite.Name, Critical: suite.Critical}

	for _, test := range suite.Tests {
		if err := v.limiter.Wait(ctx); err != nil {
			return result, qerr.Wrap(qerr.KindCancelled, err)
		}

		testStart := v.clk.Now()
		rs, err := v.client.Query(ctx, test.NRQL)
		if err != nil {
			if qerr.Fatal(err) || qerr.KindOf(err) == qerr.KindCancelled {
				return result, err
			}
		} else {
			err = test.Evaluate(rs)
		}

		tr := TestResult{
			ID:       test.ID,
			Name:     test.Name,
			NRQL:     test.NRQL,
			Passed:   err == nil,
			Duration: v.clk.Since(testStart),
		}
		if err != nil {
			tr.Error = err.Error()
			result.Failed++
			metricTests.WithLabelValues(suite.Name, "failed").Inc()
			level.Warn(v.logger).Log("msg", "verification test failed", "suite", suite.Name, "test", test.Name, "err", err)
		} else {
			result.Passed++
			metricTests.WithLabelValues(suite.Name, "passed").Inc()
		}
		result.Tests = append(result.Tests, tr)
	}
	return result, nil
}

func (v *Verifier) writeArtifact(report *Report) error {
	if err := os.MkdirAll(v.cfg.ArtifactDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("verification-%s.json", report.StartedAt.UTC().Format("20060102T150405Z"))
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(v.cfg.ArtifactDir, name), buf, 0o644)
}
