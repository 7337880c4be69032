package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/circuitbreaker"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

func testSimConfig() SimulationConfig {
	return SimulationConfig{
		ClusterCount:           2,
		BrokersPerCluster:      3,
		TopicsPerCluster:       2,
		ConsumerGroupsPerTopic: 1,
		PartitionsPerTopic:     4,
		Seed:                   42,
	}
}

func drain(t *testing.T, it Iterator) []udm.RawSample {
	t.Helper()
	var out []udm.RawSample
	for {
		s, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func TestSimulatorTopologyCounts(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sim := NewSimulator(testSimConfig(), clk, log.NewNopLogger())

	it, err := sim.Fetch(context.Background(), time.Minute)
	require.NoError(t, err)
	samples := drain(t, it)

	counts := map[string]int{}
	for _, s := range samples {
		counts[s.EventType()]++
	}
	// 2 clusters x (3 brokers + 2 topics x (1 sample + 1 group x (1 sample + 4 offsets)))
	assert.Equal(t, 6, counts[udm.SampleBroker])
	assert.Equal(t, 4, counts[udm.SampleTopic])
	assert.Equal(t, 4, counts[udm.SampleConsumer])
	assert.Equal(t, 16, counts[udm.SampleOffset])

	names := map[string]bool{}
	for _, s := range samples {
		n, ok := s.String("clusterName")
		require.True(t, ok)
		names[n] = true
	}
	assert.Equal(t, map[string]bool{"kafka-1": true, "kafka-2": true}, names)
}

func TestSimulatorIsDeterministic(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	a := NewSimulator(testSimConfig(), clock.NewFake(start), log.NewNopLogger())
	b := NewSimulator(testSimConfig(), clock.NewFake(start), log.NewNopLogger())

	itA, err := a.Fetch(context.Background(), window)
	require.NoError(t, err)
	itB, err := b.Fetch(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, drain(t, itA), drain(t, itB))

	// A different tick from the same seed diverges.
	c := NewSimulator(testSimConfig(), clock.NewFake(start.Add(window)), log.NewNopLogger())
	itC, err := c.Fetch(context.Background(), window)
	require.NoError(t, err)
	assert.NotEqual(t, drain(t, itA), drain(t, itC))
}

func TestSimulatorNoAnomaliesAtRateZero(t *testing.T) {
	cfg := testSimConfig()
	cfg.AnomalyRate = 0
	sim := NewSimulator(cfg, clock.NewFake(time.Date(2024, 5, 4, 3, 0, 0, 0, time.UTC)), log.NewNopLogger())

	it, err := sim.Fetch(context.Background(), time.Minute)
	require.NoError(t, err)

	for _, s := range drain(t, it) {
		switch s.EventType() {
		case udm.SampleBroker:
			cpu, ok, err := s.Float("broker.cpuPercent")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Less(t, cpu, 85.0)
		case udm.SampleConsumer:
			state, ok := s.String("consumer.state")
			require.True(t, ok)
			assert.Equal(t, "STABLE", state)
		}
	}
}

func TestSimulatorRespectsCancelledContext(t *testing.T) {
	sim := NewSimulator(testSimConfig(), clock.NewFake(time.Now()), log.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Fetch(ctx, time.Minute)
	require.Error(t, err)
}

func TestQueryCollectorBuildQuery(t *testing.T) {
	q := NewQueryCollector(nil, "", log.NewNopLogger())
	assert.Equal(t,
		"SELECT * FROM KafkaBrokerSample SINCE 120 seconds ago LIMIT MAX",
		q.buildQuery(udm.SampleBroker, 2*time.Minute))

	scoped := NewQueryCollector(nil, "prod", log.NewNopLogger())
	assert.Equal(t,
		"SELECT * FROM KafkaTopicSample WHERE clusterName = 'prod' SINCE 60 seconds ago LIMIT MAX",
		scoped.buildQuery(udm.SampleTopic, time.Minute))

	// Quotes are stripped rather than interpolated.
	hostile := NewQueryCollector(nil, "x' OR 1=1 --", log.NewNopLogger())
	assert.NotContains(t, hostile.buildQuery(udm.SampleTopic, time.Minute), "'x' OR")
}

func TestQueryCollectorFetch(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		nrql := req.Variables["nrql"].(string)
		queries = append(queries, nrql)

		var rows []map[string]any
		if len(queries) == 1 {
			// First shape returns one row without its eventType attribute.
			rows = []map[string]any{{"clusterName": "prod", "broker.id": float64(1)}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"actor": map[string]any{
					"account": map[string]any{
						"nrql": map[string]any{"results": rows},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client := backend.NewClient(backend.Config{
		AccountID:  1,
		APIKey:     "ingest-key",
		UserAPIKey: "user-key",
		EventsURL:  srv.URL,
		MetricsURL: srv.URL,
		GraphQLURL: srv.URL,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			VolumeThreshold:  100,
			RetryTimeout:     time.Second,
			CallTimeout:      5 * time.Second,
		},
	}, log.NewNopLogger())

	q := NewQueryCollector(client, "prod", log.NewNopLogger())
	it, err := q.Fetch(context.Background(), time.Minute)
	require.NoError(t, err)

	samples := drain(t, it)
	require.Len(t, samples, 1)
	// The missing eventType is backfilled from the queried shape.
	assert.Equal(t, udm.SampleBroker, samples[0].EventType())

	// One query per sample shape, broker first.
	require.Len(t, queries, 4)
	assert.Contains(t, queries[0], "FROM "+udm.SampleBroker)
	assert.Contains(t, queries[0], "WHERE clusterName = 'prod'")
}

type stubSource struct {
	samples []udm.RawSample
	err     error
}

func (s stubSource) Fetch(context.Context, time.Duration) (Iterator, error) {
	if s.err != nil {
		return nil, s.err
	}
	return NewSliceIterator(s.samples), nil
}

func TestMultiChainsSources(t *testing.T) {
	live := stubSource{samples: []udm.RawSample{
		{"eventType": udm.SampleBroker, "clusterName": "live", "broker.id": float64(1)},
	}}
	synthetic := stubSource{samples: []udm.RawSample{
		{"eventType": udm.SampleBroker, "clusterName": "sim", "broker.id": float64(1)},
		{"eventType": udm.SampleTopic, "clusterName": "sim", "topic": "orders"},
	}}

	it, err := NewMulti(live, synthetic).Fetch(context.Background(), DefaultWindow)
	require.NoError(t, err)

	samples := drain(t, it)
	require.Len(t, samples, 3)
	// Source order is preserved: live samples first, then the simulator's.
	name, _ := samples[0].String("clusterName")
	assert.Equal(t, "live", name)
	name, _ = samples[1].String("clusterName")
	assert.Equal(t, "sim", name)
}

func TestMultiFailsWhenAnySourceFails(t *testing.T) {
	healthy := stubSource{samples: []udm.RawSample{
		{"eventType": udm.SampleBroker, "clusterName": "sim", "broker.id": float64(1)},
	}}
	broken := stubSource{err: qerr.E(qerr.KindSourceUnavailable, "query API down")}

	_, err := NewMulti(broken, healthy).Fetch(context.Background(), DefaultWindow)
	require.Error(t, err)
	assert.Equal(t, qerr.KindSourceUnavailable, qerr.KindOf(err))
}
