package backend

import (
	"context"
	"encoding/hex"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/queueobs/queueobs/pkg/circuitbreaker"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

func testClientConfig(eventsURL, metricsURL, graphqlURL string) Config {
	return Config{
		Region:        "US",
		AccountID:     1,
		APIKey:        "ingest-key",
		UserAPIKey:    "user-key",
		EventsURL:     eventsURL,
		MetricsURL:    metricsURL,
		GraphQLURL:    graphqlURL,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			VolumeThreshold:  100,
			RetryTimeout:     time.Second,
		},
	}
}

func testEvents(n int) []udm.Event {
	events := make([]udm.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := udm.NewEvent(udm.EventBrokerSample, "guid", "kafka", "c", time.Now())
		ev.Metrics["cpu.utilization"] = float64(i)
		events = append(events, *ev)
	}
	return events
}

func gunzip(t *testing.T, r io.Reader) string {
	t.Helper()
	zr, err := gzip.NewReader(r)
	require.NoError(t, err)
	buf, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(buf)
}

func TestPostEventsShipsGzippedJSON(t *testing.T) {
	var body string
	var apiKey, encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("Api-Key")
		encoding = r.Header.Get("Content-Encoding")
		body = gunzip(t, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	require.NoError(t, c.PostEvents(context.Background(), testEvents(2)))

	assert.Equal(t, "ingest-key", apiKey)
	assert.Equal(t, "gzip", encoding)
	assert.Contains(t, body, `"eventType":"MessageQueueBrokerSample"`)
	assert.Contains(t, body, `"entityGuid":"guid"`)
	assert.Contains(t, body, `"entity.guid":"guid"`)
}

func TestPostEventsRetriesServerErrors(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	require.NoError(t, c.PostEvents(context.Background(), testEvents(1)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostEventsAuthFailureIsNotRetried(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	err := c.PostEvents(context.Background(), testEvents(1))
	require.Error(t, err)
	assert.Equal(t, qerr.KindAuthFailed, qerr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostEventsHonorsRetryAfter(t *testing.T) {
	calls := atomic.NewInt32(0)
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	require.NoError(t, c.PostEvents(context.Background(), testEvents(1)))
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestPostEventsSplitsOversizeBatches(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Events padded with incompressible identity attributes so the
	// compressed batch exceeds the 1MB cap.
	rng := rand.New(rand.NewSource(1))
	events := testEvents(8)
	for i := range events {
		pad := make([]byte, 200*1024)
		rng.Read(pad)
		events[i].Identity["padding"] = hex.EncodeToString(pad)
	}

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	require.NoError(t, c.PostEvents(context.Background(), events))
	assert.Greater(t, calls.Load(), int32(1))
}

func TestPostEventsDryRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("dry run must not reach the backend")
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL, srv.URL, srv.URL)
	cfg.DryRun = true
	c := NewClient(cfg, log.NewNopLogger())
	require.NoError(t, c.PostEvents(context.Background(), testEvents(5)))
}

func TestPostMetricsEnvelope(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = gunzip(t, r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(testClientConfig(srv.URL, srv.URL, srv.URL), log.NewNopLogger())
	m := udm.Gauge("queue.health.score", 98, map[string]string{"entity.guid": "g"}, time.Now())
	require.NoError(t, c.PostMetrics(context.Background(), []udm.Metric{m}))

	assert.True(t, strings.HasPrefix(body, `[{"metrics":[`), body)
	assert.Contains(t, body, `"name":"queue.health.score"`)
	assert.Contains(t, body, `"type":"gauge"`)
}

func TestRepeatedFailuresTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL, srv.URL, srv.URL)
	cfg.RetryAttempts = 0
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.VolumeThreshold = 2
	cfg.Breaker.RetryTimeout = time.Minute
	c := NewClient(cfg, log.NewNopLogger())

	for i := 0; i < 2; i++ {
		err := c.PostEvents(context.Background(), testEvents(1))
		require.Error(t, err)
		assert.Equal(t, qerr.KindBackendUnavailable, qerr.KindOf(err))
	}

	err := c.PostEvents(context.Background(), testEvents(1))
	require.Error(t, err)
	assert.Equal(t, qerr.KindCircuitOpen, qerr.KindOf(err))
}

func TestClassifyStatus(t *testing.T) {
	for status, want := range map[int]qerr.Kind{
		http.StatusUnauthorized:        qerr.KindAuthFailed,
		http.StatusForbidden:           qerr.KindAuthFailed,
		http.StatusTooManyRequests:     qerr.KindRateLimited,
		http.StatusRequestTimeout:      qerr.KindTimeout,
		http.StatusGatewayTimeout:      qerr.KindTimeout,
		http.StatusInternalServerError: qerr.KindBackendUnavailable,
		http.StatusBadRequest:          qerr.KindValidationFailed,
	} {
		err := classifyStatus(status)
		require.Error(t, err, "status %d", status)
		assert.Equal(t, want, qerr.KindOf(err), "status %d", status)
	}
	require.NoError(t, classifyStatus(http.StatusOK))
	require.NoError(t, classifyStatus(http.StatusAccepted))
}
