package port

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	ErrNoAvailablePorts = errors.New("no available ports in range")
	ErrPortNotAllocated = errors.New("port not allocated")
	ErrPortOutOfRange   = errors.New("port outside configured range")
	ErrPortUnavailable  = errors.New("port unavailable")
)

// Allocation tracks a single port held by a service
type Allocation struct {
	ServiceName string
	AllocatedAt time.Time
}

// BindProbe reports whether a port can currently be bound on this host.
type BindProbe func(port int) bool

// ExternalPorts reports ports held by processes the orchestrator did not
// start (for example published container ports).
type ExternalPorts interface {
	InUse(port int) bool
}

// Option configures a PortManager
type Option func(*PortManager)

// WithProbe replaces the live bind probe.
func WithProbe(probe BindProbe) Option {
	return func(pm *PortManager) { pm.probe = probe }
}

// WithExternal adds a source of externally held ports.
func WithExternal(ext ExternalPorts) Option {
	return func(pm *PortManager) { pm.external = ext }
}

// PortManager hands out service ports from a fixed range. A port is only
// handed out if it is free in the table, not held externally, and passes a
// live bind probe immediately before handoff. The probe narrows but does not
// close the window in which another process can grab the port.
type PortManager struct {
	mu          sync.Mutex
	minPort     int
	maxPort     int
	allocations map[int]*Allocation
	probe       BindProbe
	external    ExternalPorts
	now         func() time.Time
}

// NewPortManager creates a new port manager
// minPort: start of port range (inclusive)
// maxPort: end of port range (inclusive)
func NewPortManager(minPort, maxPort int, opts ...Option) *PortManager {
	pm := &PortManager{
		minPort:     minPort,
		maxPort:     maxPort,
		allocations: make(map[int]*Allocation),
		probe:       CanBind,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// CanBind tries to listen on the port on all interfaces and releases it.
func CanBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Range returns the configured inclusive bounds.
func (pm *PortManager) Range() (int, int) {
	return pm.minPort, pm.maxPort
}

// Allocate finds and reserves the lowest usable port for the service.
func (pm *PortManager) Allocate(serviceName string) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for port := pm.minPort; port <= pm.maxPort; port++ {
		if pm.usableLocked(port) {
			pm.allocations[port] = &Allocation{ServiceName: serviceName, AllocatedAt: pm.now()}
			return port, nil
		}
	}
	return 0, ErrNoAvailablePorts
}

// AllocatePreferred reserves the given port if it is usable, otherwise
// falls back to a range scan.
func (pm *PortManager) AllocatePreferred(serviceName string, preferred int) (int, error) {
	if preferred > 0 {
		if err := pm.Claim(serviceName, preferred); err == nil {
			return preferred, nil
		}
	}
	return pm.Allocate(serviceName)
}

// Claim reserves exactly this port or fails.
func (pm *PortManager) Claim(serviceName string, port int) error {
	if port < pm.minPort || port > pm.maxPort {
		return ErrPortOutOfRange
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.usableLocked(port) {
		return ErrPortUnavailable
	}
	pm.allocations[port] = &Allocation{ServiceName: serviceName, AllocatedAt: pm.now()}
	return nil
}

// Restore records an allocation loaded from shared state without probing.
// The port is in use by the restored service, so a bind probe would fail.
func (pm *PortManager) Restore(serviceName string, port int, at time.Time) error {
	if port < pm.minPort || port > pm.maxPort {
		return ErrPortOutOfRange
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if a, held := pm.allocations[port]; held && a.ServiceName != serviceName {
		return fmt.Errorf("port %d already held by %s: %w", port, a.ServiceName, ErrPortUnavailable)
	}
	pm.allocations[port] = &Allocation{ServiceName: serviceName, AllocatedAt: at}
	return nil
}

// Release frees a port. It is eligible for reuse immediately.
func (pm *PortManager) Release(port int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.allocations[port]; !exists {
		return ErrPortNotAllocated
	}
	delete(pm.allocations, port)
	return nil
}

// usableLocked: caller holds pm.mu.
func (pm *PortManager) usableLocked(port int) bool {
	if _, held := pm.allocations[port]; held {
		return false
	}
	if pm.external != nil && pm.external.InUse(port) {
		return false
	}
	return pm.probe == nil || pm.probe(port)
}

// IsAvailable checks the allocation table only; it does not probe.
func (pm *PortManager) IsAvailable(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, held := pm.allocations[port]
	return !held && port >= pm.minPort && port <= pm.maxPort
}

// GetAllocation returns the current allocation for a port (for debugging/monitoring)
func (pm *PortManager) GetAllocation(port int) (*Allocation, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	alloc, exists := pm.allocations[port]
	if !exists {
		return nil, false
	}
	// Return copy to prevent external mutation
	copy := *alloc
	return &copy, true
}

// Allocated returns a copy of the port table.
func (pm *PortManager) Allocated() map[int]Allocation {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make(map[int]Allocation, len(pm.allocations))
	for port, a := range pm.allocations {
		out[port] = *a
	}
	return out
}

// AvailableCount returns the number of ports free in the table
func (pm *PortManager) AvailableCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.maxPort - pm.minPort + 1 - len(pm.allocations)
}
