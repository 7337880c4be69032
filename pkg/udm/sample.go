package udm

import (
	"math"
	"strconv"
	"strings"

	"github.com/queueobs/queueobs/pkg/qerr"
)

// Raw sample event types accepted from collectors.
const (
	SampleBroker   = "KafkaBrokerSample"
	SampleTopic    = "KafkaTopicSample"
	SampleConsumer = "KafkaConsumerSample"
	SampleOffset   = "KafkaOffsetSample"
)

// RawSample is an untyped attribute bag produced by a collector. Values may
// be numbers, numeric strings, plain strings or absent; lookups are
// version-tolerant via ordered fallback chains.
type RawSample map[string]any

// EventType returns the sample's eventType attribute, empty when absent.
func (s RawSample) EventType() string {
	v, _ := s["eventType"].(string)
	return v
}

// KnownEventType reports whether the sample carries one of the accepted
// Kafka sample shapes.
func (s RawSample) KnownEventType() bool {
	switch s.EventType() {
	case SampleBroker, SampleTopic, SampleConsumer, SampleOffset:
		return true
	}
	return false
}

// String returns the first defined non-empty string among keys.
func (s RawSample) String(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := s[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case int:
			return strconv.Itoa(t), true
		case int64:
			return strconv.FormatInt(t, 10), true
		}
	}
	return "", false
}

// Float returns the first defined numeric value among keys, walking the
// fallback chain in order. Strings are parsed with a decimal-only grammar.
// A present but unparseable or non-finite value fails with InvalidMetric;
// absence is not an error.
func (s RawSample) Float(keys ...string) (float64, bool, error) {
	for _, k := range keys {
		v, ok := s[k]
		if !ok || v == nil {
			continue
		}
		f, err := coerceFloat(v)
		if err != nil {
			return 0, false, qerr.Wrap(qerr.KindInvalidMetric, err)
		}
		return f, true, nil
	}
	return 0, false, nil
}

// Int is Float truncated; used for identity fields like broker.id.
func (s RawSample) Int(keys ...string) (int64, bool, error) {
	f, ok, err := s.Float(keys...)
	if err != nil || !ok {
		return 0, ok, err
	}
	return int64(f), true, nil
}

func coerceFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case string:
		var err error
		f, err = parseDecimal(t)
		if err != nil {
			return 0, err
		}
	default:
		return 0, qerr.E(qerr.KindInvalidMetric, "unsupported metric type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, qerr.E(qerr.KindInvalidMetric, "non-finite metric value")
	}
	return f, nil
}

// parseDecimal accepts plain decimal notation only. Hex, exponent and
// locale-grouped forms are rejected so that junk like "1e99" or "0x10" from
// drifted schemas cannot slip through strconv.
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, qerr.E(qerr.KindInvalidMetric, "empty metric string")
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
		case (r == '-' || r == '+') && i == 0:
		default:
			return 0, qerr.E(qerr.KindInvalidMetric, "non-decimal metric string %q", s)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, qerr.E(qerr.KindInvalidMetric, "unparseable metric string %q", s)
	}
	return f, nil
}

// MaxRateValue bounds rate/count metrics; values beyond it are treated as
// corrupt and dropped with an OutOfRange warning.
const MaxRateValue = 1e15

// CheckRange validates a rate/count metric value.
func CheckRange(name string, v float64) error {
	if v < 0 {
		return qerr.E(qerr.KindOutOfRange, "negative value %g for non-negative metric %s", v, name)
	}
	if v > MaxRateValue {
		return qerr.E(qerr.KindOutOfRange, "value %g for metric %s exceeds bounds", v, name)
	}
	return nil
}
