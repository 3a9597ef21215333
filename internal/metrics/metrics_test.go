package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetBreakerState("svc", "fn", 2)
	m.IncError("network", "medium")
	m.IncRecovery("network", true)
	m.IncAllocation("ok")
	m.IncHealthProbe(false)
	m.SetPortsAllocated(3)
	m.SetNodeCounts(map[string]int{"active": 1})
	m.IncAlertDropped()
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetBreakerState("worker-1", "dispatch", 2)
	m.IncAllocation("ok")
	m.IncAllocation("ok")
	m.IncHealthProbe(true)
	m.SetPortsAllocated(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("worker-1", "dispatch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthProbes.WithLabelValues("healthy")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.portsAllocated))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
