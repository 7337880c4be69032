package transformer

import "github.com/queueobs/queueobs/modules/entity"

// Health scores start at 100 and lose a fixed penalty per violated health
// rule component, clamped to [0, 100]. The rules mirror the entity health
// predicates so a score below the entity's own threshold and an unhealthy
// predicate agree.

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func brokerHealthScore(metrics map[string]float64) float64 {
	score := 100.0
	if v, ok := metrics["cpu.utilization"]; ok && v >= 80 {
		score -= 40
	}
	if v, ok := metrics["memory.utilization"]; ok && v >= 80 {
		score -= 30
	}
	if v, ok := metrics["request.latency.ms"]; ok && v >= 100 {
		score -= 30
	}
	if v, ok := metrics["partition.offline"]; ok && v > 0 {
		score -= 20
	}
	return clampScore(score)
}

func topicHealthScore(metrics map[string]float64, t entity.Thresholds) float64 {
	score := 100.0
	if v, ok := metrics["consumer.lag"]; ok {
		switch {
		case v > t.LagCrit:
			score -= 40
		case v > t.LagWarn:
			score -= 15
		}
	}
	if v, ok := metrics["error.rate"]; ok && v > 5 {
		score -= 30
	}
	in, okIn := metrics["throughput.in.messagesPerSecond"]
	out, okOut := metrics["throughput.out.messagesPerSecond"]
	if okIn && okOut && in > 0 {
		imbalance := (in - out) / in * 100
		if imbalance < 0 {
			imbalance = -imbalance
		}
		if imbalance > t.TopicImbalance {
			score -= 30
		}
	}
	return clampScore(score)
}

func consumerHealthScore(metrics map[string]float64, state string, t entity.Thresholds) float64 {
	score := 100.0
	if state != "" && state != string(entity.GroupStable) {
		score -= 40
	}
	if v, ok := metrics["group.memberCount"]; ok && v <= 0 {
		score -= 30
	}
	if v, ok := metrics["group.maxLag"]; ok {
		switch {
		case v >= t.LagCrit:
			score -= 30
		case v >= t.LagWarn:
			score -= 10
		}
	}
	return clampScore(score)
}
