package nvml

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/worldland/worldland-orchestrator/internal/domain"
)

// LocalCollector turns the GPUs of the host the orchestrator runs on into a
// telemetry report for one node.
type LocalCollector struct {
	provider domain.GPUProvider
	nodeID   string
}

// NewLocalCollector returns a collector reporting as nodeID. The provider
// must already be initialized.
func NewLocalCollector(provider domain.GPUProvider, nodeID string) *LocalCollector {
	return &LocalCollector{provider: provider, nodeID: nodeID}
}

// NodeID is the id the collector reports under.
func (c *LocalCollector) NodeID() string {
	return c.nodeID
}

// Hostname returns the host name as seen by the operating system.
func (c *LocalCollector) Hostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read host info: %w", err)
	}
	return info.Hostname, nil
}

// Collect returns a single report aggregating every local GPU.
func (c *LocalCollector) Collect(ctx context.Context) ([]domain.TelemetryReport, error) {
	metrics, err := c.provider.GetMetrics()
	if err != nil {
		return nil, fmt.Errorf("collect gpu metrics: %w", err)
	}
	return []domain.TelemetryReport{{
		NodeID:    c.nodeID,
		Telemetry: domain.AggregateGPUMetrics(metrics),
	}}, nil
}
