package verifier

import (
	"fmt"
	"time"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

// Built-in suite names.
const (
	SuiteMaster             = "master"
	SuiteEntitySynthesis    = "entity-synthesis"
	SuiteMetricsFreshness   = "metrics-freshness"
	SuiteDataQuality        = "data-quality"
	SuiteMSKUIReadiness     = "msk-ui-readiness"
	SuiteConfluentReadiness = "confluent-ui-readiness"
)

// SuiteByName resolves a built-in suite. The master suite is not resolvable
// here: it always runs first as the gate.
func SuiteByName(name string, now time.Time, freshness, lookback time.Duration) (Suite, error) {
	switch name {
	case SuiteEntitySynthesis:
		return entitySynthesisSuite(lookback), nil
	case SuiteMetricsFreshness:
		return metricsFreshnessSuite(now, freshness, lookback), nil
	case SuiteDataQuality:
		return dataQualitySuite(lookback), nil
	case SuiteMSKUIReadiness:
		return mskUIReadinessSuite(lookback), nil
	case SuiteConfluentReadiness:
		return confluentUIReadinessSuite(lookback), nil
	default:
		return Suite{}, qerr.E(qerr.KindConfigInvalid, "unknown verification suite %q", name)
	}
}

func sinceMinutes(d time.Duration) int {
	m := int(d.Minutes())
	if m < 1 {
		m = 1
	}
	return m
}

// MasterSuite is the gate every run must clear before the non-critical
// suites are consulted: samples exist, every row carries the fields the
// cloud UIs key on, dimensional kafka.* metrics are flowing, and the newest
// data is not stale.
func MasterSuite(now time.Time, freshness, lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	return Suite{
		Name:     SuiteMaster,
		Critical: true,
		Tests: []Test{
			{
				ID:          "M1",
				Name:        "broker-samples-present",
				Description: "at least one broker sample reached the backend",
				NRQL:        fmt.Sprintf("SELECT count(*) AS n FROM %s SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectPositive("n"),
			},
			{
				ID:          "M2",
				Name:        "topic-samples-present",
				Description: "at least one topic sample reached the backend",
				NRQL:        fmt.Sprintf("SELECT count(*) AS n FROM %s SINCE %d minutes ago", udm.EventTopicSample, since),
				Evaluate:    expectPositive("n"),
			},
			{
				ID:          "M3",
				Name:        "entity-guid-coverage",
				Description: "every broker sample carries an entity GUID",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE entityGuid IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "M4",
				Name:        "provider-coverage",
				Description: "every broker sample names its provider",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE provider IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "M5",
				Name:        "aws-account-coverage",
				Description: "every entity event carries the AWS account attribute",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE awsAccountId IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventEntity, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "M6",
				Name:        "instrumentation-provider-coverage",
				Description: "every entity event names its instrumentation provider",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE `instrumentation.provider` IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventEntity, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "M7",
				Name:        "dimensional-metrics-present",
				Description: "kafka.* dimensional metrics reached the metrics endpoint",
				NRQL:        fmt.Sprintf("SELECT uniqueCount(metricName) AS n FROM Metric WHERE metricName LIKE 'kafka.%%' SINCE %d minutes ago", since),
				Evaluate:    expectPositive("n"),
			},
			{
				ID:          "M8",
				Name:        "sample-freshness",
				Description: "the newest broker sample is recent",
				NRQL:        fmt.Sprintf("SELECT latest(timestamp) AS ts FROM %s SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectFresh("ts", now, freshness),
			},
		},
	}
}

func entitySynthesisSuite(lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	tests := []Test{
		{
			ID:          "ES1",
			Name:        "entities-synthesized",
			Description: "entity events exist for the reporting window",
			NRQL:        fmt.Sprintf("SELECT uniqueCount(entityGuid) AS n FROM %s SINCE %d minutes ago", udm.EventEntity, since),
			Evaluate:    expectPositive("n"),
		},
	}
	for i, et := range []string{udm.EventBrokerSample, udm.EventTopicSample, udm.EventConsumerSample} {
		tests = append(tests, Test{
			ID:          fmt.Sprintf("ES%d", i+2),
			Name:        "guid-coverage-" + et,
			Description: "every sample row resolves to an entity",
			NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE entityGuid IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", et, since),
			Evaluate:    expectPercentage("pct", 100),
		})
	}
	return Suite{Name: SuiteEntitySynthesis, Critical: true, Tests: tests}
}

func metricsFreshnessSuite(now time.Time, freshness, lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	var tests []Test
	for i, et := range []string{udm.EventBrokerSample, udm.EventTopicSample, udm.EventConsumerSample, udm.EventOffsetSample} {
		tests = append(tests, Test{
			ID:          fmt.Sprintf("MF%d", i+1),
			Name:        "freshness-" + et,
			Description: "the newest sample of this shape is recent",
			NRQL:        fmt.Sprintf("SELECT latest(timestamp) AS ts FROM %s SINCE %d minutes ago", et, since),
			Evaluate:    expectFresh("ts", now, freshness),
		})
	}
	return Suite{Name: SuiteMetricsFreshness, Critical: true, Tests: tests}
}

func dataQualitySuite(lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	return Suite{
		Name: SuiteDataQuality,
		Tests: []Test{
			{
				ID:          "DQ1",
				Name:        "no-negative-lag",
				Description: "consumer lag never goes negative",
				NRQL:        fmt.Sprintf("SELECT count(*) AS n FROM %s WHERE `group.maxLag` < 0 SINCE %d minutes ago", udm.EventConsumerSample, since),
				Evaluate:    expectZero("n"),
			},
			{
				ID:          "DQ2",
				Name:        "no-negative-throughput",
				Description: "broker throughput never goes negative",
				NRQL:        fmt.Sprintf("SELECT count(*) AS n FROM %s WHERE `throughput.in.bytesPerSecond` < 0 SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectZero("n"),
			},
			{
				ID:          "DQ3",
				Name:        "cluster-name-coverage",
				Description: "every sample row is attributable to a cluster",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE clusterName IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "DQ4",
				Name:        "health-score-bounded",
				Description: "health scores stay within [0, 100]",
				NRQL:        fmt.Sprintf("SELECT count(*) AS n FROM %s WHERE `health.score` < 0 OR `health.score` > 100 SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectZero("n"),
			},
		},
	}
}

func mskUIReadinessSuite(lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	return Suite{
		Name:     SuiteMSKUIReadiness,
		Critical: true,
		Tests: []Test{
			{
				ID:          "MSK1",
				Name:        "msk-broker-samples",
				Description: "sqs/msk-shaped rows carry the attributes the cloud UI keys on",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE entityGuid IS NOT NULL AND clusterName IS NOT NULL) AS pct FROM %s WHERE provider = 'sqs' OR provider = 'kafka' SINCE %d minutes ago", udm.EventBrokerSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "MSK2",
				Name:        "msk-topic-samples",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE entityGuid IS NOT NULL AND topic IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventTopicSample, since),
				Description: "topic rows are addressable by topic name",
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "MSK3",
				Name:        "msk-account-attributes",
				Description: "the MSK UI filters on awsAccountId and instrumentation.provider",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE awsAccountId IS NOT NULL AND `instrumentation.provider` IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventEntity, since),
				Evaluate:    expectPercentage("pct", 100),
			},
		},
	}
}

func confluentUIReadinessSuite(lookback time.Duration) Suite {
	since := sinceMinutes(lookback)
	return Suite{
		Name:     SuiteConfluentReadiness,
		Critical: true,
		Tests: []Test{
			{
				ID:          "CF1",
				Name:        "consumer-group-visibility",
				Description: "consumer rows resolve to named groups with a state",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE consumerGroup IS NOT NULL AND `consumerGroup.state` IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventConsumerSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "CF2",
				Name:        "offset-partition-visibility",
				Description: "offset rows are addressable per partition",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE partition IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventOffsetSample, since),
				Evaluate:    expectPercentage("pct", 100),
			},
			{
				ID:          "CF3",
				Name:        "confluent-account-attributes",
				Description: "the Confluent UI filters on tags.account and id",
				NRQL:        fmt.Sprintf("SELECT percentage(count(*), WHERE `tags.account` IS NOT NULL AND id IS NOT NULL) AS pct FROM %s SINCE %d minutes ago", udm.EventEntity, since),
				Evaluate:    expectPercentage("pct", 100),
			},
		},
	}
}

func firstNumber(rs backend.ResultSet, key string) (float64, bool) {
	for _, row := range rs {
		switch v := row[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

func expectPositive(key string) func(backend.ResultSet) error {
	return func(rs backend.ResultSet) error {
		v, ok := firstNumber(rs, key)
		if !ok {
			return fmt.Errorf("result missing %q", key)
		}
		if v <= 0 {
			return fmt.Errorf("expected %s > 0, got %v", key, v)
		}
		return nil
	}
}

func expectZero(key string) func(backend.ResultSet) error {
	return func(rs backend.ResultSet) error {
		v, ok := firstNumber(rs, key)
		if !ok {
			return fmt.Errorf("result missing %q", key)
		}
		if v != 0 {
			return fmt.Errorf("expected %s = 0, got %v", key, v)
		}
		return nil
	}
}

func expectPercentage(key string, want float64) func(backend.ResultSet) error {
	return func(rs backend.ResultSet) error {
		v, ok := firstNumber(rs, key)
		if !ok {
			return fmt.Errorf("result missing %q", key)
		}
		if v < want {
			return fmt.Errorf("expected %s >= %v%%, got %v%%", key, want, v)
		}
		return nil
	}
}

// expectFresh asserts the latest millisecond timestamp is within maxAge of
// now. A timestamp more than skew in the future fails too.
func expectFresh(key string, now time.Time, maxAge time.Duration) func(backend.ResultSet) error {
	return func(rs backend.ResultSet) error {
		v, ok := firstNumber(rs, key)
		if !ok {
			return fmt.Errorf("result missing %q", key)
		}
		ts := time.UnixMilli(int64(v))
		age := now.Sub(ts)
		if age > maxAge {
			return fmt.Errorf("newest sample is %s old, freshness window is %s", age.Truncate(time.Second), maxAge)
		}
		if age < -udm.DefaultSkewTolerance {
			return fmt.Errorf("newest sample is %s in the future", (-age).Truncate(time.Second))
		}
		return nil
	}
}
