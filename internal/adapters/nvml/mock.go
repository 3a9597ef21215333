package nvml

import (
	"sync"

	"github.com/worldland/worldland-orchestrator/internal/domain"
)

// MockGPUProvider provides fake GPU data when NVML is unavailable and in tests
type MockGPUProvider struct {
	mu         sync.Mutex
	Metrics    []domain.GPUMetrics
	InitErr    error
	MetricsErr error
}

func NewMockGPUProvider(metrics []domain.GPUMetrics) *MockGPUProvider {
	return &MockGPUProvider{Metrics: metrics}
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	return nil
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	return append([]domain.GPUMetrics(nil), p.Metrics...), nil
}

// SetMetrics replaces the reported metrics.
func (p *MockGPUProvider) SetMetrics(metrics []domain.GPUMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Metrics = metrics
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)
