package reliability

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker("svc", "fn", 3, time.Minute, clock.Now)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)

	require.NoError(t, b.Allow())
	b.Failure()

	assert.Equal(t, StateOpen, b.Snapshot().State)
	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, time.Minute, open.RetryAfter)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newBreaker("svc", "fn", 3, time.Minute, time.Now)
	b.Failure()
	b.Failure()
	b.Success()

	assert.Equal(t, 0, b.Snapshot().FailureCount)
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker("svc", "fn", 1, time.Minute, clock.Now)
	b.Failure()
	clock.Advance(time.Minute)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
}

func TestBreaker_FailedProbeReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker("svc", "fn", 1, time.Minute, clock.Now)
	b.Failure()
	clock.Advance(61 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure()

	assert.Equal(t, StateOpen, b.Snapshot().State)
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "timer restarted at the failed probe")
	clock.Advance(31 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_SuccessfulProbeCloses(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker("svc", "fn", 2, time.Minute, clock.Now)
	b.Failure()
	b.Failure()
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())

	b.Success()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.NoError(t, b.Allow())
	assert.NoError(t, b.Allow())
}
