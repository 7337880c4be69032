package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueobs/queueobs/pkg/qerr"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		VolumeThreshold:  3,
		RetryTimeout:     50 * time.Millisecond,
	}
}

var errBoom = errors.New("boom")

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
		require.Error(t, err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("t1", testConfig(), log.NewNopLogger())

	failN(t, b, 2)
	require.Equal(t, gobreaker.StateClosed, b.State())

	failN(t, b, 1)
	require.Equal(t, gobreaker.StateOpen, b.State())

	// Calls now short-circuit without reaching the dependency.
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, qerr.KindCircuitOpen, qerr.KindOf(err))
	assert.False(t, called)
}

func TestBreakerVolumeThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 10
	b := New("t2", cfg, log.NewNopLogger())

	// Plenty of consecutive failures, but below the request volume floor.
	failN(t, b, 5)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("t3", testConfig(), log.NewNopLogger())
	failN(t, b, 3)
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)

	// Two successful probes close the circuit again.
	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New("t4", testConfig(), log.NewNopLogger())
	failN(t, b, 3)
	time.Sleep(80 * time.Millisecond)

	failN(t, b, 1)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := New("t5", testConfig(), log.NewNopLogger())

	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return qerr.Wrap(qerr.KindCancelled, context.Canceled)
		})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerErrorFilter(t *testing.T) {
	filter := ErrorFilter(func(err error) bool {
		return qerr.KindOf(err) != qerr.KindAuthFailed
	})
	b := New("t6", testConfig(), log.NewNopLogger(), WithErrorFilter(filter))

	// Auth failures fail the call but never trip the breaker.
	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return qerr.E(qerr.KindAuthFailed, "bad key")
		})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerFallback(t *testing.T) {
	fallbackCalls := 0
	b := New("t7", testConfig(), log.NewNopLogger(), WithFallback(func(context.Context) error {
		fallbackCalls++
		return nil
	}))
	failN(t, b, 3)

	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	require.NoError(t, err)
	assert.Equal(t, 1, fallbackCalls)
}

func TestBreakerCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	b := New("t8", cfg, log.NewNopLogger())

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return qerr.Wrap(qerr.KindTimeout, ctx.Err())
	})
	require.Error(t, err)
	assert.Equal(t, qerr.KindTimeout, qerr.KindOf(err))
}
