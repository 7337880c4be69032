package verifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/qerr"
)

// fakeQueryClient answers NRQL by substring match against canned rows.
type fakeQueryClient struct {
	now     time.Time
	queries []string

	// overrides maps an NRQL substring to a fixed result set.
	overrides map[string]backend.ResultSet
	err       error
}

func (f *fakeQueryClient) Query(_ context.Context, nrql string) (backend.ResultSet, error) {
	f.queries = append(f.queries, nrql)
	if f.err != nil {
		return nil, f.err
	}
	for sub, rs := range f.overrides {
		if strings.Contains(nrql, sub) {
			return rs, nil
		}
	}
	// Healthy defaults: counts positive, percentages full, timestamps fresh.
	switch {
	case strings.Contains(nrql, "latest(timestamp)"):
		return backend.ResultSet{{"ts": float64(f.now.UnixMilli())}}, nil
	case strings.Contains(nrql, "percentage"):
		return backend.ResultSet{{"pct": 100.0}}, nil
	case strings.Contains(nrql, "WHERE `group.maxLag` < 0"),
		strings.Contains(nrql, "WHERE `throughput.in.bytesPerSecond` < 0"),
		strings.Contains(nrql, "`health.score` < 0"):
		return backend.ResultSet{{"n": 0.0}}, nil
	default:
		return backend.ResultSet{{"n": 42.0}}, nil
	}
}

func testVerifierConfig() Config {
	return Config{
		Suites:          []string{SuiteEntitySynthesis, SuiteMetricsFreshness, SuiteDataQuality},
		QueryInterval:   time.Millisecond,
		FreshnessWindow: 5 * time.Minute,
		LookbackWindow:  10 * time.Minute,
	}
}

func newTestVerifier(cfg Config, client QueryClient) *Verifier {
	return New(cfg, client, clock.Real(), log.NewNopLogger())
}

func TestRunAllPassing(t *testing.T) {
	fc := &fakeQueryClient{now: time.Now()}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.GatePassed)
	assert.Equal(t, VerdictReady, report.Verdict)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, report.Summary.Total, report.Summary.Passed)
	assert.Zero(t, report.Summary.Failed)

	// The critical tally covers the gate and the critical suites, but not
	// data-quality.
	assert.Positive(t, report.Summary.Critical.Total)
	assert.Equal(t, report.Summary.Critical.Total, report.Summary.Critical.Passed)
	assert.Less(t, report.Summary.Critical.Total, report.Summary.Total)
	assert.Equal(t, 1.0, report.CriticalPassRate())
	assert.False(t, report.EndedAt.Before(report.StartedAt))

	// Gate plus the three configured suites.
	require.Len(t, report.Suites, 4)
	assert.Equal(t, SuiteMaster, report.Suites[0].Name)
	assert.True(t, report.Suites[0].Critical)
	for _, s := range report.Suites {
		for _, tr := range s.Tests {
			assert.NotEmpty(t, tr.ID)
		}
	}
}

func TestGateFailureSkipsNonCriticalSuites(t *testing.T) {
	fc := &fakeQueryClient{
		now: time.Now(),
		overrides: map[string]backend.ResultSet{
			// No broker samples at all.
			"count(*) AS n FROM MessageQueueBrokerSample": {{"n": 0.0}},
		},
	}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.GatePassed)
	assert.Equal(t, VerdictNotReady, report.Verdict)
	assert.Equal(t, 1, report.ExitCode())

	// The critical suites still ran; data-quality was skipped.
	require.Len(t, report.Suites, 3)
	assert.Equal(t, SuiteMaster, report.Suites[0].Name)
	assert.Equal(t, SuiteEntitySynthesis, report.Suites[1].Name)
	assert.Equal(t, SuiteMetricsFreshness, report.Suites[2].Name)
	for _, q := range fc.queries {
		assert.NotContains(t, q, "`group.maxLag` < 0")
	}
}

func TestCriticalSuiteFailureIsNotReady(t *testing.T) {
	fc := &fakeQueryClient{
		now: time.Now(),
		overrides: map[string]backend.ResultSet{
			// The gate is clean but entity synthesis produced nothing.
			"uniqueCount(entityGuid)": {{"n": 0.0}},
		},
	}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.GatePassed)
	assert.Equal(t, VerdictNotReady, report.Verdict)
	assert.Equal(t, 1, report.ExitCode())
	assert.Less(t, report.CriticalPassRate(), 1.0)
}

func TestPartialVerdict(t *testing.T) {
	fc := &fakeQueryClient{
		now: time.Now(),
		overrides: map[string]backend.ResultSet{
			// Lag went negative somewhere; the gate itself is clean.
			"`group.maxLag` < 0": {{"n": 3.0}},
		},
	}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.GatePassed)
	assert.Equal(t, VerdictPartial, report.Verdict)
	// Only a non-critical suite failed: the critical pass rate stays 100%,
	// so the process still exits clean.
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, 1.0, report.CriticalPassRate())
	assert.Equal(t, 1, report.Summary.Failed)

	var dq *SuiteResult
	for i := range report.Suites {
		if report.Suites[i].Name == SuiteDataQuality {
			dq = &report.Suites[i]
		}
	}
	require.NotNil(t, dq)
	assert.Equal(t, 1, dq.Failed)
	assert.Contains(t, dq.Tests[0].Error, "expected n = 0")
}

func TestQueryErrorCountsAsFailure(t *testing.T) {
	// A retryable query error fails the test but not the run.
	fc := &fakeQueryClient{now: time.Now(), err: qerr.E(qerr.KindBackendUnavailable, "backend down")}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.GatePassed)
	assert.Equal(t, VerdictNotReady, report.Verdict)
}

func TestFatalQueryErrorAbortsRun(t *testing.T) {
	fc := &fakeQueryClient{now: time.Now(), err: qerr.E(qerr.KindAuthFailed, "bad key")}
	v := newTestVerifier(testVerifierConfig(), fc)

	_, err := v.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, qerr.KindAuthFailed, qerr.KindOf(err))
}

func TestUnknownSuiteFailsRun(t *testing.T) {
	cfg := testVerifierConfig()
	cfg.Suites = []string{"made-up"}
	v := newTestVerifier(cfg, &fakeQueryClient{now: time.Now()})

	_, err := v.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, qerr.KindConfigInvalid, qerr.KindOf(err))
}

func TestArtifactWritten(t *testing.T) {
	dir := t.TempDir()
	cfg := testVerifierConfig()
	cfg.ArtifactDir = dir
	v := newTestVerifier(cfg, &fakeQueryClient{now: time.Now()})

	_, err := v.Run(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "verification-"))

	buf, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"verdict": "READY"`)
	assert.Contains(t, string(buf), `"critical"`)
	assert.Contains(t, string(buf), `"startTime"`)
	assert.Contains(t, string(buf), `"endTime"`)
}

func TestStaleDataFailsFreshness(t *testing.T) {
	now := time.Now()
	fc := &fakeQueryClient{
		now: now,
		overrides: map[string]backend.ResultSet{
			"latest(timestamp)": {{"ts": float64(now.Add(-time.Hour).UnixMilli())}},
		},
	}
	v := newTestVerifier(testVerifierConfig(), fc)

	report, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.GatePassed)
	assert.Equal(t, VerdictNotReady, report.Verdict)
}

func TestExpectHelpers(t *testing.T) {
	assert.NoError(t, expectPositive("n")(backend.ResultSet{{"n": 1.0}}))
	assert.Error(t, expectPositive("n")(backend.ResultSet{{"n": 0.0}}))
	assert.Error(t, expectPositive("n")(backend.ResultSet{}))

	assert.NoError(t, expectZero("n")(backend.ResultSet{{"n": 0.0}}))
	assert.Error(t, expectZero("n")(backend.ResultSet{{"n": -1.0}}))

	assert.NoError(t, expectPercentage("pct", 100)(backend.ResultSet{{"pct": 100.0}}))
	assert.Error(t, expectPercentage("pct", 100)(backend.ResultSet{{"pct": 99.9}}))

	now := time.Now()
	fresh := expectFresh("ts", now, 5*time.Minute)
	assert.NoError(t, fresh(backend.ResultSet{{"ts": float64(now.Add(-time.Minute).UnixMilli())}}))
	assert.Error(t, fresh(backend.ResultSet{{"ts": float64(now.Add(-time.Hour).UnixMilli())}}))
	// A little future skew is tolerated; an hour ahead is not.
	assert.NoError(t, fresh(backend.ResultSet{{"ts": float64(now.Add(time.Minute).UnixMilli())}}))
	assert.Error(t, fresh(backend.ResultSet{{"ts": float64(now.Add(time.Hour).UnixMilli())}}))
}
