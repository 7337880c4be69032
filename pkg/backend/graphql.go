package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"

	"github.com/queueobs/queueobs/pkg/qerr"
)

// nrqlQuery is the GraphQL document used for every NRQL call; the query text
// travels as a string variable, never interpolated.
const nrqlQuery = `query($accountId: Int!, $nrql: Nrql!) {
  actor {
    account(id: $accountId) {
      nrql(query: $nrql) {
        results
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Actor struct {
			Account struct {
				NRQL struct {
					Results []map[string]any `json:"results"`
				} `json:"nrql"`
			} `json:"account"`
		} `json:"actor"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ResultSet is the row set returned by an NRQL query.
type ResultSet []map[string]any

// Query runs an NRQL query through the GraphQL endpoint using the user API
// key. Calls are spaced by the GraphQL rate limiter and guarded by the
// GraphQL circuit breaker.
func (c *Client) Query(ctx context.Context, nrql string) (ResultSet, error) {
	var out ResultSet
	err := c.graphqlBreaker.Execute(ctx, func(ctx context.Context) error {
		rows, err := c.queryWithRetry(ctx, nrql)
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	return out, err
}

func (c *Client) queryWithRetry(ctx context.Context, nrql string) (ResultSet, error) {
	body, err := json.Marshal(graphqlRequest{
		Query: nrqlQuery,
		Variables: map[string]any{
			"accountId": c.cfg.AccountID,
			"nrql":      nrql,
		},
	})
	if err != nil {
		return nil, qerr.Wrap(qerr.KindValidationFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := c.graphqlLimiter.Wait(ctx); err != nil {
			return nil, qerr.Wrap(qerr.KindCancelled, err)
		}

		rows, err := c.queryOnce(ctx, body)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !qerr.Retryable(err) {
			return nil, err
		}
		level.Debug(c.logger).Log("msg", "nrql query retry", "attempt", attempt, "err", err)

		select {
		case <-time.After(c.cfg.RetryDelay << attempt):
		case <-ctx.Done():
			return nil, qerr.Wrap(qerr.KindCancelled, ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *Client) queryOnce(ctx context.Context, body []byte) (ResultSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindValidationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Key", c.cfg.UserAPIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	metricRequestDuration.WithLabelValues(endpointGraphQL).Observe(time.Since(start).Seconds())
	if err != nil {
		metricRequests.WithLabelValues(endpointGraphQL, "error").Inc()
		if ctx.Err() != nil {
			return nil, qerr.Wrap(qerr.KindCancelled, ctx.Err())
		}
		return nil, qerr.Wrap(qerr.KindBackendUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	metricRequests.WithLabelValues(endpointGraphQL, strconv.Itoa(resp.StatusCode)).Inc()
	if err := classifyStatus(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, qerr.Wrap(qerr.KindSchemaMismatch, err)
	}
	if len(parsed.Errors) > 0 {
		return nil, qerr.E(qerr.KindSourceUnavailable, "graphql error: %s", parsed.Errors[0].Message)
	}
	return parsed.Data.Actor.Account.NRQL.Results, nil
}
