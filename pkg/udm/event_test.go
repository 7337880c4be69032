package udm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalsFlat(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvent(EventBrokerSample, "MESSAGE_QUEUE_BROKER|1|kafka|c|1", "kafka", "c", now)
	ev.Identity["broker.id"] = "1"
	ev.Metrics["cpu.utilization"] = 55.5

	buf, err := ev.MarshalJSON()
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(buf, &flat))

	assert.Equal(t, EventBrokerSample, flat["eventType"])
	assert.Equal(t, "MESSAGE_QUEUE_BROKER|1|kafka|c|1", flat["entityGuid"])
	assert.Equal(t, "MESSAGE_QUEUE_BROKER|1|kafka|c|1", flat["entity.guid"])
	assert.Equal(t, "kafka", flat["provider"])
	assert.Equal(t, "c", flat["clusterName"])
	assert.Equal(t, "1", flat["broker.id"])
	assert.Equal(t, 55.5, flat["cpu.utilization"])
	assert.Equal(t, float64(now.UnixMilli()), flat["timestamp"])

	// No nested objects: every value is a scalar.
	for k, v := range flat {
		switch v.(type) {
		case map[string]any, []any:
			t.Fatalf("field %s is not flat: %T", k, v)
		}
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now()

	ev := NewEvent(EventTopicSample, "guid", "kafka", "c", now)
	require.NoError(t, ev.Validate(now, 0))

	missing := NewEvent(EventTopicSample, "", "kafka", "c", now)
	require.Error(t, missing.Validate(now, 0))

	stale := NewEvent(EventTopicSample, "guid", "kafka", "c", now.Add(-time.Hour))
	require.Error(t, stale.Validate(now, 15*time.Minute))

	future := NewEvent(EventTopicSample, "guid", "kafka", "c", now.Add(time.Hour))
	require.Error(t, future.Validate(now, 15*time.Minute))

	skewed := NewEvent(EventTopicSample, "guid", "kafka", "c", now.Add(-10*time.Minute))
	require.NoError(t, skewed.Validate(now, 15*time.Minute))
}

func TestGaugeAndCount(t *testing.T) {
	ts := time.Unix(100, 0)
	g := Gauge("queue.depth", 12, map[string]string{"q": "a"}, ts)
	assert.Equal(t, "gauge", g.Type)
	assert.Equal(t, ts.UnixMilli(), g.Timestamp)

	c := Count("errors", 3, nil, ts)
	assert.Equal(t, "count", c.Type)
	assert.Equal(t, float64(3), c.Value)
}
