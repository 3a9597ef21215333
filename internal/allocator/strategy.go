package allocator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/worldland/worldland-orchestrator/internal/domain"
)

// Strategy picks one node from a non-empty list of eligible candidates.
type Strategy interface {
	Name() string
	Select(candidates []domain.Node) domain.Node
}

const (
	StrategyLeastLoaded = "least_loaded"
	StrategyRoundRobin  = "round_robin"
	StrategyCoolest     = "coolest"
)

// StrategyByName builds a strategy from its configuration name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyLeastLoaded, "":
		return LeastLoaded{}, nil
	case StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyCoolest:
		return Coolest{}, nil
	}
	return nil, fmt.Errorf("unknown allocation strategy %q", name)
}

// LeastLoaded prefers the lowest used/total VRAM ratio.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return StrategyLeastLoaded }

func (LeastLoaded) Select(candidates []domain.Node) domain.Node {
	sorted := sortedByID(candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Utilization() < sorted[j].Utilization()
	})
	return sorted[0]
}

// Coolest prefers the lowest GPU temperature.
type Coolest struct{}

func (Coolest) Name() string { return StrategyCoolest }

func (Coolest) Select(candidates []domain.Node) domain.Node {
	sorted := sortedByID(candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Temperature < sorted[j].Temperature
	})
	return sorted[0]
}

// RoundRobin rotates through eligible nodes. The cursor persists across
// calls; candidates are ordered by id so rotation is stable while the
// eligible set is unchanged.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

func (*RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Select(candidates []domain.Node) domain.Node {
	sorted := sortedByID(candidates)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := sorted[r.next%uint64(len(sorted))]
	r.next++
	return n
}

func sortedByID(nodes []domain.Node) []domain.Node {
	out := append([]domain.Node(nil), nodes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
