package udm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueobs/queueobs/pkg/qerr"
)

func TestFloatFallbackChain(t *testing.T) {
	s := RawSample{
		"broker_bytesInPerSecond": 42.5,
		"bytesInPerSecond":        99.0,
	}

	v, ok, err := s.Float("broker.bytesInPerSecond", "broker_bytesInPerSecond", "bytesInPerSecond")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.5, v)
}

func TestFloatAbsenceIsNotAnError(t *testing.T) {
	s := RawSample{}
	_, ok, err := s.Float("missing", "also.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFloatCoercion(t *testing.T) {
	for name, tc := range map[string]struct {
		value any
		want  float64
	}{
		"float64":        {1.5, 1.5},
		"int":            {7, 7},
		"int64":          {int64(9), 9},
		"decimal string": {"123.25", 123.25},
		"signed string":  {"-4", -4},
	} {
		t.Run(name, func(t *testing.T) {
			v, ok, err := RawSample{"k": tc.value}.Float("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestFloatRejectsJunk(t *testing.T) {
	for name, value := range map[string]any{
		"NaN":          math.NaN(),
		"Inf":          math.Inf(1),
		"hex string":   "0x10",
		"exponent":     "1e99",
		"empty string": "",
		"words":        "fast",
		"bool":         true,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := RawSample{"k": value}.Float("k")
			require.Error(t, err)
			assert.Equal(t, qerr.KindInvalidMetric, qerr.KindOf(err))
		})
	}
}

func TestStringCoercesNumbers(t *testing.T) {
	s := RawSample{"broker.id": float64(3)}
	v, ok := s.String("broker.id")
	require.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestCheckRange(t *testing.T) {
	require.NoError(t, CheckRange("m", 0))
	require.NoError(t, CheckRange("m", MaxRateValue))

	err := CheckRange("m", -1)
	require.Error(t, err)
	assert.Equal(t, qerr.KindOutOfRange, qerr.KindOf(err))

	err = CheckRange("m", MaxRateValue*10)
	require.Error(t, err)
	assert.Equal(t, qerr.KindOutOfRange, qerr.KindOf(err))
}

func TestKnownEventType(t *testing.T) {
	assert.True(t, RawSample{"eventType": SampleBroker}.KnownEventType())
	assert.False(t, RawSample{"eventType": "SomethingElse"}.KnownEventType())
	assert.False(t, RawSample{}.KnownEventType())
}
