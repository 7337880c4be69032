package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())
	f.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), f.Now())
	assert.Equal(t, time.Minute, f.Since(start))
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ticker := f.NewTicker(30 * time.Second)
	defer ticker.Stop()

	select {
	case <-ticker.Chan():
		t.Fatal("ticker fired before the interval elapsed")
	default:
	}

	f.Advance(29 * time.Second)
	select {
	case <-ticker.Chan():
		t.Fatal("ticker fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case ts := <-ticker.Chan():
		assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC), ts)
	default:
		t.Fatal("ticker did not fire at the interval")
	}
}

func TestFakeTickerDropsWhenReaderIsSlow(t *testing.T) {
	f := NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals elapse with nobody reading; only one tick is kept.
	f.Advance(3 * time.Second)
	<-ticker.Chan()
	select {
	case <-ticker.Chan():
		t.Fatal("buffered more than one tick")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	f := NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(5 * time.Second)
	select {
	case <-ticker.Chan():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealTicker(t *testing.T) {
	ticker := Real().NewTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.Chan():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
	require.NotZero(t, Real().Now())
}
