package domain

import (
	"sort"
	"time"
)

// NodeStatus is the lifecycle state of a tracked worker node
type NodeStatus string

const (
	NodeStatusActive  NodeStatus = "active"
	NodeStatusStale   NodeStatus = "stale"
	NodeStatusUnknown NodeStatus = "unknown" // registered, no telemetry yet
)

// Node is a GPU-capable worker with its last known telemetry
type Node struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	GPUAvailable bool       `json:"gpu_available"`
	VRAMTotalMB  int64      `json:"vram_total_mb"`
	VRAMUsedMB   int64      `json:"vram_used_mb"`
	VRAMFreeMB   int64      `json:"vram_free_mb"`
	Temperature  float64    `json:"temperature"`
	PowerDraw    float64    `json:"power_draw"`
	Models       []string   `json:"models"`
	Status       NodeStatus `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastUpdate   time.Time  `json:"last_update"`
}

// Recompute derives VRAMFreeMB from total and used, clamped at zero.
func (n *Node) Recompute() {
	free := n.VRAMTotalMB - n.VRAMUsedMB
	if free < 0 {
		free = 0
	}
	n.VRAMFreeMB = free
}

// Utilization returns used/total in [0,1]. A node with no VRAM reports 1.
func (n *Node) Utilization() float64 {
	if n.VRAMTotalMB <= 0 {
		return 1
	}
	u := float64(n.VRAMUsedMB) / float64(n.VRAMTotalMB)
	if u > 1 {
		return 1
	}
	return u
}

// HostsModel reports whether model is in the node's catalog.
func (n *Node) HostsModel(model string) bool {
	for _, m := range n.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Apply copies a telemetry payload onto the node and marks it active.
func (n *Node) Apply(t NodeTelemetry, at time.Time) {
	n.GPUAvailable = t.Available
	n.VRAMTotalMB = t.VRAMTotalMB
	n.VRAMUsedMB = t.VRAMUsedMB
	n.Temperature = t.Temperature
	n.PowerDraw = t.PowerDraw
	n.Status = NodeStatusActive
	n.LastUpdate = at
	n.Recompute()
}

// Clone returns a deep copy safe to hand to callers.
func (n Node) Clone() Node {
	n.Models = append([]string(nil), n.Models...)
	return n
}

// NormalizeModels de-duplicates and sorts a model catalog.
func NormalizeModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
