package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/qerr"
	"github.com/queueobs/queueobs/pkg/udm"
)

// sampleEventTypes are the raw shapes the query collector pulls, in a fixed
// order so a tick's queries are deterministic.
var sampleEventTypes = []string{
	udm.SampleBroker,
	udm.SampleTopic,
	udm.SampleConsumer,
	udm.SampleOffset,
}

// QueryCollector pulls existing raw samples back out of the backend with
// NRQL. Used in infrastructure mode where an agent is already reporting.
type QueryCollector struct {
	client      *backend.Client
	clusterName string
	logger      log.Logger
}

func NewQueryCollector(client *backend.Client, clusterName string, logger log.Logger) *QueryCollector {
	return &QueryCollector{client: client, clusterName: clusterName, logger: logger}
}

// Fetch issues one query per sample shape and concatenates the results.
// A failed query fails the whole fetch with SourceUnavailable unless the
// failure is fatal (auth).
func (q *QueryCollector) Fetch(ctx context.Context, since time.Duration) (Iterator, error) {
	var samples []udm.RawSample

	for _, eventType := range sampleEventTypes {
		rows, err := q.client.Query(ctx, q.buildQuery(eventType, since))
		if err != nil {
			if qerr.Fatal(err) || qerr.KindOf(err) == qerr.KindCancelled {
				return nil, err
			}
			return nil, qerr.Wrap(qerr.KindSourceUnavailable, err)
		}

		for _, row := range rows {
			sample := udm.RawSample(row)
			if sample.EventType() == "" {
				sample["eventType"] = eventType
			}
			samples = append(samples, sample)
		}
		level.Debug(q.logger).Log("msg", "samples fetched", "eventType", eventType, "count", len(rows))
	}

	return NewSliceIterator(samples), nil
}

func (q *QueryCollector) buildQuery(eventType string, since time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", eventType)
	if q.clusterName != "" {
		fmt.Fprintf(&sb, " WHERE clusterName = '%s'", strings.ReplaceAll(q.clusterName, "'", ""))
	}
	fmt.Fprintf(&sb, " SINCE %d seconds ago LIMIT MAX", int(since.Seconds()))
	return sb.String()
}
