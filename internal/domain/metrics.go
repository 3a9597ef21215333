package domain

// GPUMetrics represents collected GPU metrics from NVML
type GPUMetrics struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total_mb"`
	MemoryUsed  uint64 `json:"memory_used_mb"`
	GPUUtil     uint32 `json:"gpu_util_percent"`
	Temperature uint32 `json:"temperature_c"`
	PowerDraw   uint32 `json:"power_draw_watts"`
}

// NodeTelemetry is the periodic per-node payload reported by a worker
type NodeTelemetry struct {
	Available   bool    `json:"available"`
	VRAMTotalMB int64   `json:"vram_total_mb"`
	VRAMUsedMB  int64   `json:"vram_used_mb"`
	Temperature float64 `json:"temperature"`
	PowerDraw   float64 `json:"power_draw"`
}

// AggregateGPUMetrics folds per-device metrics into a single node payload.
// Memory is summed, temperature is the hottest device and power is summed.
func AggregateGPUMetrics(metrics []GPUMetrics) NodeTelemetry {
	t := NodeTelemetry{Available: len(metrics) > 0}
	for _, m := range metrics {
		t.VRAMTotalMB += int64(m.MemoryTotal)
		t.VRAMUsedMB += int64(m.MemoryUsed)
		if float64(m.Temperature) > t.Temperature {
			t.Temperature = float64(m.Temperature)
		}
		t.PowerDraw += float64(m.PowerDraw)
	}
	return t
}

// TelemetryReport is a telemetry payload keyed by the node it describes
type TelemetryReport struct {
	NodeID    string        `json:"node_id"`
	Telemetry NodeTelemetry `json:"telemetry"`
}
