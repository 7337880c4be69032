package backend

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/queueobs/queueobs/pkg/circuitbreaker"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Requests by endpoint and outcome.",
	}, []string{"endpoint", "status"})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "queueobs",
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Request latency by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
	metricPayloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "backend",
		Name:      "payload_bytes_total",
		Help:      "Compressed bytes shipped by endpoint.",
	}, []string{"endpoint"})
)

// maxPayloadBytes is the ingest limit per POST body. Oversize batches are
// split recursively until each half fits.
const maxPayloadBytes = 1 << 20

// Endpoint names used in metrics and per-endpoint breakers.
const (
	endpointEvents  = "events"
	endpointMetrics = "metrics"
	endpointGraphQL = "graphql"
)

// Config for the backend client.
type Config struct {
	Region     string `yaml:"region"` // US or EU
	AccountID  int    `yaml:"account_id"`
	APIKey     string `yaml:"api_key"`      // ingest key
	UserAPIKey string `yaml:"user_api_key"` // query key

	// Override endpoints; when empty the region defaults apply.
	EventsURL  string `yaml:"events_url"`
	MetricsURL string `yaml:"metrics_url"`
	GraphQLURL string `yaml:"graphql_url"`

	GraphQLMinInterval time.Duration `yaml:"graphql_min_interval"`
	IngestMinInterval  time.Duration `yaml:"ingest_min_interval"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	DryRun             bool          `yaml:"dry_run"`

	Breaker circuitbreaker.Config `yaml:"circuit_breaker"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Region = "US"
	f.DurationVar(&cfg.GraphQLMinInterval, prefix+".graphql-min-interval", 100*time.Millisecond, "minimum spacing between GraphQL requests")
	f.DurationVar(&cfg.IngestMinInterval, prefix+".ingest-min-interval", 0, "minimum spacing between ingest requests")
	f.IntVar(&cfg.RetryAttempts, prefix+".retry-attempts", 3, "retries per request")
	f.DurationVar(&cfg.RetryDelay, prefix+".retry-delay", 500*time.Millisecond, "initial retry backoff")
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".breaker", f)
}

func (cfg *Config) applyRegionDefaults() {
	events := "https://insights-collector.newrelic.com/v1/accounts/%d/events"
	metrics := "https://metric-api.newrelic.com/metric/v1"
	graphql := "https://api.newrelic.com/graphql"
	if cfg.Region == "EU" {
		events = "https://insights-collector.eu01.nr-data.net/v1/accounts/%d/events"
		metrics = "https://metric-api.eu.newrelic.com/metric/v1"
		graphql = "https://api.eu.newrelic.com/graphql"
	}
	if cfg.EventsURL == "" {
		cfg.EventsURL = fmt.Sprintf(events, cfg.AccountID)
	}
	if cfg.MetricsURL == "" {
		cfg.MetricsURL = metrics
	}
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = graphql
	}
}

// Client posts UDM events and metrics to the ingest endpoints and issues
// NRQL queries through GraphQL. Every endpoint has its own rate limiter and
// circuit breaker; retries happen inside the breaker so repeated failures
// trip it.
type Client struct {
	cfg    Config
	logger log.Logger
	client *http.Client

	ingestLimiter  *rate.Limiter
	graphqlLimiter *rate.Limiter

	eventsBreaker  *circuitbreaker.Breaker
	metricsBreaker *circuitbreaker.Breaker
	graphqlBreaker *circuitbreaker.Breaker
}

func NewClient(cfg Config, logger log.Logger) *Client {
	cfg.applyRegionDefaults()

	c := &Client{
		cfg:            cfg,
		logger:         logger,
		client:         &http.Client{Timeout: cfg.Breaker.CallTimeout},
		ingestLimiter:  newLimiter(cfg.IngestMinInterval),
		graphqlLimiter: newLimiter(cfg.GraphQLMinInterval),
	}
	// Auth failures are the caller's problem, not the dependency's.
	filter := circuitbreaker.ErrorFilter(func(err error) bool {
		return qerr.KindOf(err) != qerr.KindAuthFailed
	})
	c.eventsBreaker = circuitbreaker.New("backend-events", cfg.Breaker, logger, circuitbreaker.WithErrorFilter(filter))
	c.metricsBreaker = circuitbreaker.New("backend-metrics", cfg.Breaker, logger, circuitbreaker.WithErrorFilter(filter))
	c.graphqlBreaker = circuitbreaker.New("backend-graphql", cfg.Breaker, logger, circuitbreaker.WithErrorFilter(filter))
	return c
}

func newLimiter(minInterval time.Duration) *rate.Limiter {
	if minInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minInterval), 1)
}

// PostEvents ships a batch of UDM events as a gzipped JSON array. Batches
// whose compressed payload exceeds the 1MB ingest cap are split in half and
// shipped separately.
func (c *Client) PostEvents(ctx context.Context, events []udm.Event) error {
	if len(events) == 0 {
		return nil
	}
	if c.cfg.DryRun {
		return nil
	}

	body, err := json.Marshal(events)
	if err != nil {
		return qerr.Wrap(qerr.KindValidationFailed, err)
	}
	compressed, err := gzipBytes(body)
	if err != nil {
		return err
	}
	if len(compressed) > maxPayloadBytes && len(events) > 1 {
		mid := len(events) / 2
		if err := c.PostEvents(ctx, events[:mid]); err != nil {
			return err
		}
		return c.PostEvents(ctx, events[mid:])
	}

	return c.eventsBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.postWithRetry(ctx, endpointEvents, c.cfg.EventsURL, c.cfg.APIKey, compressed, c.ingestLimiter)
	})
}

type metricEnvelope struct {
	Metrics []udm.Metric `json:"metrics"`
}

// PostMetrics ships dimensional metrics in the metric API envelope.
func (c *Client) PostMetrics(ctx context.Context, metrics []udm.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	if c.cfg.DryRun {
		return nil
	}

	body, err := json.Marshal([]metricEnvelope{{Metrics: metrics}})
	if err != nil {
		return qerr.Wrap(qerr.KindValidationFailed, err)
	}
	compressed, err := gzipBytes(body)
	if err != nil {
		return err
	}
	if len(compressed) > maxPayloadBytes && len(metrics) > 1 {
		mid := len(metrics) / 2
		if err := c.PostMetrics(ctx, metrics[:mid]); err != nil {
			return err
		}
		return c.PostMetrics(ctx, metrics[mid:])
	}

	return c.metricsBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.postWithRetry(ctx, endpointMetrics, c.cfg.MetricsURL, c.cfg.APIKey, compressed, c.ingestLimiter)
	})
}

func (c *Client) postWithRetry(ctx context.Context, endpoint, url, key string, compressed []byte, limiter *rate.Limiter) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.RetryDelay,
		MaxBackoff: 60 * time.Second,
		MaxRetries: c.cfg.RetryAttempts + 1,
	})

	var lastErr error
	for boff.Ongoing() {
		if err := limiter.Wait(ctx); err != nil {
			return qerr.Wrap(qerr.KindCancelled, err)
		}

		var retryAfter time.Duration
		retryAfter, lastErr = c.post(ctx, endpoint, url, key, compressed)
		if lastErr == nil {
			return nil
		}
		if !qerr.Retryable(lastErr) {
			return lastErr
		}
		if retryAfter > 0 {
			// Rate limited with an explicit Retry-After; honor it instead
			// of the exponential schedule.
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return qerr.Wrap(qerr.KindCancelled, ctx.Err())
			}
			boff.Reset()
			continue
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = qerr.Wrap(qerr.KindCancelled, boff.Err())
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, endpoint, url, key string, compressed []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(compressed))
	if err != nil {
		return 0, qerr.Wrap(qerr.KindValidationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Api-Key", key)

	start := time.Now()
	resp, err := c.client.Do(req)
	metricRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metricRequests.WithLabelValues(endpoint, "error").Inc()
		if ctx.Err() != nil {
			return 0, qerr.Wrap(qerr.KindCancelled, ctx.Err())
		}
		return 0, qerr.Wrap(qerr.KindBackendUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	metricRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return parseRetryAfter(resp), err
	}
	metricPayloadBytes.WithLabelValues(endpoint).Add(float64(len(compressed)))
	return 0, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return qerr.E(qerr.KindAuthFailed, "backend rejected credentials: status %d", status)
	case status == http.StatusTooManyRequests:
		return qerr.E(qerr.KindRateLimited, "backend rate limited: status %d", status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return qerr.E(qerr.KindTimeout, "backend timeout: status %d", status)
	case status >= 500:
		return qerr.E(qerr.KindBackendUnavailable, "backend unavailable: status %d", status)
	default:
		return qerr.E(qerr.KindValidationFailed, "backend rejected payload: status %d", status)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, qerr.Wrap(qerr.KindValidationFailed, err)
	}
	if err := zw.Close(); err != nil {
		return nil, qerr.Wrap(qerr.KindValidationFailed, err)
	}
	return buf.Bytes(), nil
}
