package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/orchestrator"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
)

// Printer renders admin API results as plain text tables.
type Printer struct {
	w io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Header prints a section header
func (p *Printer) Header(title string) {
	fmt.Fprintf(p.w, "\n=== %s ===\n", title)
}

// Field prints a labeled field
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.w, "  %-14s %s\n", label+":", value)
}

// Snapshot prints every section of a cluster snapshot.
func (p *Printer) Snapshot(s *orchestrator.Snapshot) {
	p.Header("Cluster")
	p.Field("Generated", s.GeneratedAt.Format(time.RFC3339))
	p.Field("Open breakers", fmt.Sprint(len(s.OpenBreakers)))
	p.Nodes(s.Nodes)
	p.Services(s.Services)
	p.Allocations(s.Allocations)
	p.Breakers(s.Breakers)
}

func (p *Printer) Nodes(nodes []domain.Node) {
	p.Header(fmt.Sprintf("Nodes (%d)", len(nodes)))
	if len(nodes) == 0 {
		fmt.Fprintln(p.w, "  (no nodes registered)")
		return
	}
	p.row("%-24s %-8s %-12s %-8s %s", "ID", "Status", "VRAM free", "Temp", "Models")
	p.rule(24, 8, 12, 8, 20)
	for _, n := range nodes {
		p.row("%-24s %-8s %-12s %-8s %s",
			truncate(n.ID, 24), n.Status,
			fmt.Sprintf("%d/%d", n.VRAMFreeMB, n.VRAMTotalMB),
			fmt.Sprintf("%.0fC", n.Temperature),
			strings.Join(n.Models, ","))
	}
}

func (p *Printer) Services(eps []domain.ServiceEndpoint) {
	p.Header(fmt.Sprintf("Services (%d)", len(eps)))
	if len(eps) == 0 {
		fmt.Fprintln(p.w, "  (no services registered)")
		return
	}
	p.row("%-24s %-28s %-8s %s", "Name", "Address", "Proto", "Updated")
	p.rule(24, 28, 8, 20)
	for _, ep := range eps {
		p.row("%-24s %-28s %-8s %s",
			truncate(ep.ServiceName, 24),
			truncate(fmt.Sprintf("%s:%d", ep.Host, ep.Port), 28),
			ep.Protocol,
			ep.UpdatedAt.Format(time.RFC3339))
	}
}

func (p *Printer) Allocations(allocs []allocator.Allocation) {
	p.Header(fmt.Sprintf("Allocations (%d)", len(allocs)))
	if len(allocs) == 0 {
		fmt.Fprintln(p.w, "  (no active allocations)")
		return
	}
	p.row("%-20s %-24s %-20s %s", "Agent", "Node", "Model", "VRAM")
	p.rule(20, 24, 20, 8)
	for _, a := range allocs {
		p.row("%-20s %-24s %-20s %d", truncate(a.AgentID, 20), truncate(a.NodeID, 24), truncate(a.Model, 20), a.VRAMMB)
	}
}

func (p *Printer) Breakers(breakers []reliability.BreakerSnapshot) {
	if len(breakers) == 0 {
		return
	}
	p.Header(fmt.Sprintf("Circuit breakers (%d)", len(breakers)))
	for _, b := range breakers {
		p.row("%-36s %-10s failures=%d/%d", truncate(b.Service+"."+b.Function, 36), b.State, b.FailureCount, b.FailureThreshold)
	}
}

// Error prints an error message
func (p *Printer) Error(err error) {
	fmt.Fprintf(p.w, "\nError: %s\n", err)
}

func (p *Printer) row(format string, args ...interface{}) {
	fmt.Fprintf(p.w, "  "+format+"\n", args...)
}

func (p *Printer) rule(widths ...int) {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	fmt.Fprintf(p.w, "  %s\n", strings.Join(parts, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
