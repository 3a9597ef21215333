package nvml

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-orchestrator/internal/domain"
)

func TestCollect_AggregatesDevices(t *testing.T) {
	provider := NewMockGPUProvider([]domain.GPUMetrics{
		{UUID: "gpu-0", MemoryTotal: 24000, MemoryUsed: 8000, Temperature: 61, PowerDraw: 210},
		{UUID: "gpu-1", MemoryTotal: 24000, MemoryUsed: 2000, Temperature: 70, PowerDraw: 180},
	})
	c := NewLocalCollector(provider, "node-local")

	reports, err := c.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "node-local", reports[0].NodeID)
	assert.Equal(t, domain.NodeTelemetry{
		Available:   true,
		VRAMTotalMB: 48000,
		VRAMUsedMB:  10000,
		Temperature: 70,
		PowerDraw:   390,
	}, reports[0].Telemetry)
}

func TestCollect_NoDevicesIsUnavailable(t *testing.T) {
	c := NewLocalCollector(NewMockGPUProvider(nil), "node-local")

	reports, err := c.Collect(context.Background())

	require.NoError(t, err)
	assert.False(t, reports[0].Telemetry.Available)
}

func TestCollect_PropagatesProviderError(t *testing.T) {
	provider := NewMockGPUProvider(nil)
	provider.MetricsErr = errors.New("nvml: driver not loaded")
	c := NewLocalCollector(provider, "node-local")

	_, err := c.Collect(context.Background())

	assert.Error(t, err)
}

func TestHostname(t *testing.T) {
	c := NewLocalCollector(NewMockGPUProvider(nil), "node-local")

	name, err := c.Hostname(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, name)
}
