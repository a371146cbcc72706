package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/virtdesk/broker/pkg/errors"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test-trip", WithFailureThreshold(5))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Call(ctx, failing)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Sixth call is rejected without invoking the function.
	invoked := false
	err := cb.Call(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.True(t, brokererrors.IsCircuitOpen(err))
	assert.False(t, invoked)
}

func TestCircuitBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test-reset-counter", WithFailureThreshold(3))
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, failing))
	require.Error(t, cb.Call(ctx, failing))
	require.NoError(t, cb.Call(ctx, succeeding))
	require.Error(t, cb.Call(ctx, failing))
	require.Error(t, cb.Call(ctx, failing))

	// Only two consecutive failures since the success, still closed.
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerRecovers(t *testing.T) {
	t.Parallel()

	var fake atomic.Int64
	now := func() time.Time { return time.Unix(fake.Load(), 0) }

	cb := NewCircuitBreaker("test-recover",
		WithFailureThreshold(2),
		WithRecoveryTimeout(30*time.Second),
		WithClock(now),
	)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, failing))
	require.Error(t, cb.Call(ctx, failing))
	require.Equal(t, StateOpen, cb.State())

	// Before the recovery timeout the call is still short-circuited.
	fake.Store(29)
	err := cb.Call(ctx, succeeding)
	assert.True(t, brokererrors.IsCircuitOpen(err))

	// After the timeout one probe is allowed; success closes the circuit.
	fake.Store(31)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Call(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	var fake atomic.Int64
	now := func() time.Time { return time.Unix(fake.Load(), 0) }

	cb := NewCircuitBreaker("test-probe-fail",
		WithFailureThreshold(1),
		WithRecoveryTimeout(10*time.Second),
		WithClock(now),
	)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, failing))
	require.Equal(t, StateOpen, cb.State())

	fake.Store(11)
	require.Error(t, cb.Call(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())

	// The reopened window starts from the failed probe.
	fake.Store(12)
	err := cb.Call(ctx, succeeding)
	assert.True(t, brokererrors.IsCircuitOpen(err))
}

func TestCircuitBreakerDoesNotSerializeCalls(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test-concurrent")
	ctx := context.Background()

	// Two slow calls in flight at once must overlap; if the breaker held
	// its lock during I/O this would take ~2x the single-call time.
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Call(ctx, func(context.Context) error {
				time.Sleep(300 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 550*time.Millisecond)
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test-admin-reset", WithFailureThreshold(1))
	require.Error(t, cb.Call(context.Background(), failing))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Call(context.Background(), succeeding))
}
