//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/worldland/worldland-orchestrator/internal/domain"
)

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// GetMetrics reads memory, utilization, temperature and power for every
// device. Devices that fail to open are skipped.
func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		util, _ := device.GetUtilizationRates()
		temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)
		milliwatts, _ := device.GetPowerUsage()

		metrics = append(metrics, domain.GPUMetrics{
			UUID:        uuid,
			Name:        name,
			MemoryTotal: memInfo.Total / (1024 * 1024),
			MemoryUsed:  memInfo.Used / (1024 * 1024),
			GPUUtil:     util.Gpu,
			Temperature: temp,
			PowerDraw:   milliwatts / 1000,
		})
	}
	return metrics, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
