package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeSource struct {
	reports []domain.TelemetryReport
	err     error
	calls   int
}

func (f *fakeSource) Collect(context.Context) ([]domain.TelemetryReport, error) {
	f.calls++
	return f.reports, f.err
}

func newTestStore(opts ...Option) (*Store, *fakeClock, *store.Memory) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	shared := store.NewMemory()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(shared, opts...), clock, shared
}

func TestRegister_CreatesUnknownNode(t *testing.T) {
	s, _, _ := newTestStore()

	n, err := s.Register(context.Background(), NodeRegistration{ID: "node-1", Hostname: "gpu-01", Models: []string{"x", "y", "x"}})

	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusUnknown, n.Status)
	assert.Equal(t, []string{"x", "y"}, n.Models)
}

func TestRegister_RejectsEmptyID(t *testing.T) {
	s, _, _ := newTestStore()

	_, err := s.Register(context.Background(), NodeRegistration{})

	assert.ErrorIs(t, err, ErrEmptyNodeID)
}

func TestIngest_DerivesFreeVRAM(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1"})

	n, err := s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 24000, VRAMUsedMB: 20000, Temperature: 60})

	require.NoError(t, err)
	assert.Equal(t, int64(4000), n.VRAMFreeMB)
	assert.Equal(t, domain.NodeStatusActive, n.Status)
}

func TestIngest_ClampsFreeVRAMAtZero(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1"})

	n, err := s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 8000, VRAMUsedMB: 9000})

	require.NoError(t, err)
	assert.Equal(t, int64(0), n.VRAMFreeMB)
}

func TestIngest_UnknownNode(t *testing.T) {
	s, _, _ := newTestStore()

	_, err := s.Ingest(context.Background(), "ghost", domain.NodeTelemetry{})

	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestRegister_KeepsTelemetryOnReRegistration(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1", Models: []string{"x"}})
	_, _ = s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 24000, VRAMUsedMB: 1000})

	n, err := s.Register(ctx, NodeRegistration{ID: "node-1", Models: []string{"y"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, n.Models)
	assert.Equal(t, int64(23000), n.VRAMFreeMB)
	assert.Equal(t, domain.NodeStatusActive, n.Status)
}

func TestReserve_KeepsFreeInvariant(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1"})
	_, _ = s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 24000, VRAMUsedMB: 4000})

	n, err := s.Reserve(ctx, "node-1", 8000)

	require.NoError(t, err)
	assert.Equal(t, int64(12000), n.VRAMUsedMB)
	assert.Equal(t, n.VRAMTotalMB-n.VRAMUsedMB, n.VRAMFreeMB)

	// The next report is the source of truth.
	n, _ = s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 24000, VRAMUsedMB: 5000})
	assert.Equal(t, int64(19000), n.VRAMFreeMB)
}

func TestMarkStale_FlagsOldNodesOnly(t *testing.T) {
	s, clock, _ := newTestStore(WithStaleAfter(5 * time.Minute))
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "old"})
	_, _ = s.Register(ctx, NodeRegistration{ID: "new"})
	_, _ = s.Ingest(ctx, "old", domain.NodeTelemetry{Available: true})
	clock.Advance(4 * time.Minute)
	_, _ = s.Ingest(ctx, "new", domain.NodeTelemetry{Available: true})
	clock.Advance(2 * time.Minute)

	marked := s.MarkStale(ctx)

	assert.Equal(t, []string{"old"}, marked)
	old, _ := s.Get("old")
	assert.Equal(t, domain.NodeStatusStale, old.Status)
	assert.False(t, s.Fresh(old))
	fresh, _ := s.Get("new")
	assert.Equal(t, domain.NodeStatusActive, fresh.Status)
	assert.True(t, s.Fresh(fresh))
	assert.Len(t, s.List(), 2, "stale nodes are never deleted")
}

func TestRefresh_IngestsSourceReports(t *testing.T) {
	src := &fakeSource{reports: []domain.TelemetryReport{
		{NodeID: "node-1", Telemetry: domain.NodeTelemetry{Available: true, VRAMTotalMB: 16000, VRAMUsedMB: 1000}},
		{NodeID: "unregistered", Telemetry: domain.NodeTelemetry{Available: true}},
	}}
	s, _, _ := newTestStore(WithSources(src))
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1"})

	err := s.Refresh(ctx)

	assert.ErrorIs(t, err, ErrNodeNotFound)
	n, _ := s.Get("node-1")
	assert.Equal(t, int64(15000), n.VRAMFreeMB)
	assert.Equal(t, 1, src.calls)
}

func TestRefresh_SourceErrorDoesNotStopOthers(t *testing.T) {
	bad := &fakeSource{err: errors.New("nvml gone")}
	good := &fakeSource{reports: []domain.TelemetryReport{{NodeID: "node-1", Telemetry: domain.NodeTelemetry{Available: true}}}}
	s, _, _ := newTestStore(WithSources(bad, good))
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1"})

	err := s.Refresh(ctx)

	assert.Error(t, err)
	n, _ := s.Get("node-1")
	assert.Equal(t, domain.NodeStatusActive, n.Status)
}

func TestLoad_RestoresMirroredNodes(t *testing.T) {
	s, clock, shared := newTestStore()
	ctx := context.Background()
	_, _ = s.Register(ctx, NodeRegistration{ID: "node-1", Models: []string{"x"}})
	_, _ = s.Ingest(ctx, "node-1", domain.NodeTelemetry{Available: true, VRAMTotalMB: 24000, VRAMUsedMB: 4000})

	other := New(shared, WithClock(clock.Now))
	require.NoError(t, other.Load(ctx))

	n, ok := other.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, int64(20000), n.VRAMFreeMB)
	assert.Equal(t, []string{"x"}, n.Models)
}
