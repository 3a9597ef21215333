// Package allocator places workloads on GPU nodes using live telemetry.
//
// Allocation accounting is optimistic. Two concurrent requests may both pass
// the VRAM check before either charges the node; the next telemetry refresh
// corrects the numbers. A per-node reservation lock would close the race at
// the cost of allocation latency and is intentionally not taken.
package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
	"github.com/worldland/worldland-orchestrator/internal/store"
)

const keyPrefix = "allocation/"

var (
	ErrAllocationFailed   = errors.New("allocation failed")
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrEmptyAgentID       = errors.New("agent id cannot be empty")
)

// Reason explains why no node was eligible.
type Reason string

const (
	ReasonNoNodes          Reason = "no_nodes"
	ReasonModelUnhosted    Reason = "model_unhosted"
	ReasonInsufficientVRAM Reason = "insufficient_vram"
)

// AllocationError reports a failed allocation with its reason.
type AllocationError struct {
	Reason        Reason
	Model         string
	RequiredMB    int64
	StaleExcluded int // nodes dropped only because their telemetry was stale
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation failed for model %q (%d MB): %s", e.Model, e.RequiredMB, e.Reason)
}

func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocationFailed
}

// Workload is a request to place an agent.
type Workload struct {
	AgentID   string `json:"agent_id"`
	Model     string `json:"model"`
	MinVRAMMB int64  `json:"min_vram_mb,omitempty"`
}

// Allocation binds an agent to a node.
type Allocation struct {
	AgentID     string    `json:"agent_id"`
	NodeID      string    `json:"node_id"`
	Model       string    `json:"model"`
	VRAMMB      int64     `json:"vram_mb"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// NodeSource is the telemetry view the allocator depends on.
type NodeSource interface {
	List() []domain.Node
	Fresh(n domain.Node) bool
	Reserve(ctx context.Context, nodeID string, mb int64) (domain.Node, error)
}

// Allocator selects nodes for workloads.
type Allocator struct {
	nodes    NodeSource
	catalog  *Catalog
	strategy Strategy
	shared   store.Store
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.RWMutex
	allocations map[string]Allocation
}

// Option configures an Allocator
type Option func(*Allocator)

func WithStrategy(s Strategy) Option {
	return func(a *Allocator) { a.strategy = s }
}

func WithCatalog(c *Catalog) Option {
	return func(a *Allocator) { a.catalog = c }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(a *Allocator) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func New(nodes NodeSource, shared store.Store, opts ...Option) *Allocator {
	a := &Allocator{
		nodes:       nodes,
		catalog:     NewCatalog(nil, 0),
		strategy:    LeastLoaded{},
		shared:      shared,
		now:         time.Now,
		allocations: make(map[string]Allocation),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrRoot(a.logger)
	return a
}

// Strategy returns the active selection strategy.
func (a *Allocator) Strategy() Strategy {
	return a.strategy
}

// Load restores allocation records from the shared store.
func (a *Allocator) Load(ctx context.Context) error {
	raw, err := a.shared.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, b := range raw {
		var rec Allocation
		if err := json.Unmarshal(b, &rec); err != nil {
			a.logger.WithField("Key", key).WithError(err).Warn("skipping unreadable allocation record")
			continue
		}
		a.allocations[rec.AgentID] = rec
	}
	return nil
}

// Requirement resolves the VRAM a workload needs.
func (a *Allocator) Requirement(w Workload) int64 {
	if w.MinVRAMMB > 0 {
		return w.MinVRAMMB
	}
	return a.catalog.Requirement(w.Model)
}

// Eligible filters nodes down to those that can host the workload. On an
// empty result it returns the reason.
func (a *Allocator) Eligible(w Workload) ([]domain.Node, *AllocationError) {
	required := a.Requirement(w)
	fail := &AllocationError{Model: w.Model, RequiredMB: required}

	var active, hosting, fits []domain.Node
	for _, n := range a.nodes.List() {
		if n.Status != domain.NodeStatusActive || !n.GPUAvailable {
			continue
		}
		if !a.nodes.Fresh(n) {
			fail.StaleExcluded++
			a.logger.WithField("NodeID", n.ID).Debug("stale node excluded from allocation")
			continue
		}
		active = append(active, n)
		if !n.HostsModel(w.Model) {
			continue
		}
		hosting = append(hosting, n)
		if n.VRAMFreeMB >= required {
			fits = append(fits, n)
		}
	}

	switch {
	case len(fits) > 0:
		return fits, nil
	case len(active) == 0:
		fail.Reason = ReasonNoNodes
	case len(hosting) == 0:
		fail.Reason = ReasonModelUnhosted
	default:
		fail.Reason = ReasonInsufficientVRAM
	}
	return nil, fail
}

// Allocate selects a node, records the allocation and charges the estimated
// VRAM to the node. Allocating an agent that already holds an allocation
// replaces the old record.
func (a *Allocator) Allocate(ctx context.Context, w Workload) (Allocation, error) {
	if w.AgentID == "" {
		return Allocation{}, ErrEmptyAgentID
	}
	candidates, fail := a.Eligible(w)
	if fail != nil {
		a.metrics.IncAllocation(string(fail.Reason))
		a.logger.WithFields(logrus.Fields{
			"AgentID": w.AgentID,
			"Model":   w.Model,
			"Reason":  fail.Reason,
		}).Info("allocation failed")
		return Allocation{}, fail
	}

	node := a.strategy.Select(candidates)
	rec := Allocation{
		AgentID:     w.AgentID,
		NodeID:      node.ID,
		Model:       w.Model,
		VRAMMB:      a.Requirement(w),
		AllocatedAt: a.now(),
	}
	if err := store.SetJSON(ctx, a.shared, keyPrefix+w.AgentID, rec); err != nil {
		return Allocation{}, fmt.Errorf("record allocation: %w", err)
	}

	a.mu.Lock()
	a.allocations[w.AgentID] = rec
	a.mu.Unlock()

	if _, err := a.nodes.Reserve(ctx, node.ID, rec.VRAMMB); err != nil {
		a.logger.WithField("NodeID", node.ID).WithError(err).Warn("failed to reserve vram")
	}
	a.metrics.IncAllocation("ok")
	a.logger.WithFields(logrus.Fields{
		"AgentID":  w.AgentID,
		"NodeID":   node.ID,
		"Model":    w.Model,
		"VRAMMB":   rec.VRAMMB,
		"Strategy": a.strategy.Name(),
	}).Info("workload allocated")
	return rec, nil
}

// Deallocate removes the allocation record. It does not give VRAM back to
// the node; the next telemetry refresh does.
func (a *Allocator) Deallocate(ctx context.Context, agentID string) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.allocations[agentID]
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %s", ErrAllocationNotFound, agentID)
	}
	if err := a.shared.Delete(ctx, keyPrefix+agentID); err != nil {
		return Allocation{}, fmt.Errorf("delete allocation: %w", err)
	}
	delete(a.allocations, agentID)
	a.logger.WithFields(logrus.Fields{"AgentID": agentID, "NodeID": rec.NodeID}).Info("workload deallocated")
	return rec, nil
}

// Get returns the allocation for one agent.
func (a *Allocator) Get(agentID string) (Allocation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.allocations[agentID]
	return rec, ok
}

// Allocations returns every allocation ordered by agent id.
func (a *Allocator) Allocations() []Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Allocation, 0, len(a.allocations))
	for _, rec := range a.allocations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
