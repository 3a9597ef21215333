package reliability

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkBackOff_DoublesThenCaps(t *testing.T) {
	b := NetworkBackOff()

	var got []time.Duration
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d, "schedule never gives up on its own")
		got = append(got, d)
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, got[:3])
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1], "step %d", i)
		assert.LessOrEqual(t, got[i], MaxBackoff, "step %d", i)
	}
	assert.Equal(t, 32*time.Second, got[5])
	assert.Equal(t, MaxBackoff, got[6], "64s is capped")
	assert.Equal(t, MaxBackoff, got[len(got)-1])
}

func TestNetworkBackOff_FreshSchedulePerRecovery(t *testing.T) {
	first := NetworkBackOff()
	for i := 0; i < 8; i++ {
		first.NextBackOff()
	}
	assert.Equal(t, time.Second, NetworkBackOff().NextBackOff())
}
