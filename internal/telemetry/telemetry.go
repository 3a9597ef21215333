// Package telemetry tracks the fleet of GPU nodes and their live resource
// metrics. It is the allocator's only view of node state.
package telemetry

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

const (
	DefaultStaleAfter = 5 * time.Minute
	keyPrefix         = "node/"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEmptyNodeID  = errors.New("node id cannot be empty")
)

// Source produces telemetry reports on demand (local NVML, remote pollers).
type Source interface {
	Collect(ctx context.Context) ([]domain.TelemetryReport, error)
}

// NodeRegistration declares a node and the models it hosts.
type NodeRegistration struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	Models   []string `json:"models"`
}

// Store holds per-node telemetry in memory and mirrors every change to the
// shared store.
type Store struct {
	mu         sync.RWMutex
	nodes      map[string]*domain.Node
	staleAfter time.Duration
	sources    []Source

	shared  store.Store
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

func WithSources(sources ...Source) Option {
	return func(s *Store) { s.sources = append(s.sources, sources...) }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(shared store.Store, opts ...Option) *Store {
	s := &Store{
		nodes:      make(map[string]*domain.Node),
		staleAfter: DefaultStaleAfter,
		shared:     shared,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrRoot(s.logger)
	return s
}

// StaleAfter returns the staleness window.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

// Load replaces in-memory state with the nodes found in the shared store.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.shared.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range store.SortedKeys(raw) {
		var n domain.Node
		if err := json.Unmarshal(raw[key], &n); err != nil {
			s.logger.WithField("Key", key).WithError(err).Warn("skipping unreadable node record")
			continue
		}
		n.Recompute()
		s.nodes[n.ID] = &n
	}
	return nil
}

// Register creates a node or replaces the model catalog of an existing one.
// Telemetry numbers survive re-registration.
func (s *Store) Register(ctx context.Context, reg NodeRegistration) (domain.Node, error) {
	if reg.ID == "" {
		return domain.Node{}, ErrEmptyNodeID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[reg.ID]
	if !ok {
		n = &domain.Node{
			ID:           reg.ID,
			Status:       domain.NodeStatusUnknown,
			RegisteredAt: s.now(),
		}
	}
	if reg.Hostname != "" {
		n.Hostname = reg.Hostname
	}
	n.Models = domain.NormalizeModels(reg.Models)
	n.Recompute()

	if err := s.persistLocked(ctx, n); err != nil {
		return domain.Node{}, err
	}
	s.nodes[reg.ID] = n
	s.logger.WithFields(logrus.Fields{
		"NodeID": reg.ID,
		"Models": n.Models,
	}).Info("node registered")
	return n.Clone(), nil
}

// Ingest applies a telemetry payload. The node becomes active.
func (s *Store) Ingest(ctx context.Context, nodeID string, t domain.NodeTelemetry) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return domain.Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	updated := n.Clone()
	updated.Apply(t, s.now())
	if err := s.persistLocked(ctx, &updated); err != nil {
		return domain.Node{}, err
	}
	*n = updated
	return updated.Clone(), nil
}

// Reserve optimistically charges mb of VRAM to the node. The charge is
// overwritten by the node's next telemetry report.
func (s *Store) Reserve(ctx context.Context, nodeID string, mb int64) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return domain.Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.VRAMUsedMB += mb
	n.Recompute()
	if err := s.persistLocked(ctx, n); err != nil {
		s.logger.WithField("NodeID", nodeID).WithError(err).Warn("failed to mirror reservation")
	}
	return n.Clone(), nil
}

// Get returns a copy of one node.
func (s *Store) Get(nodeID string) (domain.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return domain.Node{}, false
	}
	return n.Clone(), true
}

// List returns copies of every node ordered by id.
func (s *Store) List() []domain.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fresh reports whether the node's telemetry is within the staleness window.
func (s *Store) Fresh(n domain.Node) bool {
	if n.LastUpdate.IsZero() {
		return false
	}
	return s.now().Sub(n.LastUpdate) <= s.staleAfter
}

// MarkStale flags every active node whose telemetry is older than the window.
// Nodes are never deleted. It returns the ids newly marked stale.
func (s *Store) MarkStale(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var marked []string
	counts := map[string]int{}
	for id, n := range s.nodes {
		if n.Status == domain.NodeStatusActive && now.Sub(n.LastUpdate) > s.staleAfter {
			n.Status = domain.NodeStatusStale
			marked = append(marked, id)
			if err := s.persistLocked(ctx, n); err != nil {
				s.logger.WithField("NodeID", id).WithError(err).Warn("failed to mirror stale node")
			}
			s.logger.WithFields(logrus.Fields{
				"NodeID":     id,
				"LastUpdate": n.LastUpdate,
			}).Warn("node telemetry is stale")
		}
		counts[string(n.Status)]++
	}
	s.metrics.SetNodeCounts(counts)
	sort.Strings(marked)
	return marked
}

// Refresh pulls every source, ingests the reports, then runs the stale sweep.
// Reports for unregistered nodes are skipped.
func (s *Store) Refresh(ctx context.Context) error {
	var errs []error
	for _, src := range s.sources {
		reports, err := src.Collect(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range reports {
			if _, err := s.Ingest(ctx, r.NodeID, r.Telemetry); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.MarkStale(ctx)
	return errors.Join(errs...)
}

func (s *Store) persistLocked(ctx context.Context, n *domain.Node) error {
	if err := store.SetJSON(ctx, s.shared, keyPrefix+n.ID, n); err != nil {
		return fmt.Errorf("mirror node %s: %w", n.ID, err)
	}
	return nil
}
