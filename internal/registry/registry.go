// Package registry maps service names to endpoints, hands out their ports and
// builds load-balancer views over them. Records live in the shared store under
// "service/<name>" with the port table mirrored under "port/<n>".
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
	"github.com/worldland/worldland-orchestrator/internal/port"
	"github.com/worldland/worldland-orchestrator/internal/store"
)

const (
	DefaultStaleAfter = time.Hour
	DefaultCacheTTL   = 30 * time.Second
	DefaultLBStrategy = "round_robin"

	servicePrefix = "service/"
	portPrefix    = "port/"
)

var (
	// ErrRegistrationConflict is returned when no port in the range can be
	// handed to a new service. It wraps port.ErrNoAvailablePorts.
	ErrRegistrationConflict = errors.New("registration conflict")
	ErrServiceNotFound      = errors.New("service not found")
	ErrEmptyServiceName     = errors.New("service name cannot be empty")
)

// HealthChecker is the subset of health.Checker the registry relies on.
type HealthChecker interface {
	IsHealthy(ctx context.Context, ep domain.ServiceEndpoint) bool
	Invalidate(serviceName string)
}

// Request is a service registration.
type Request struct {
	ServiceName      string `json:"service_name"`
	PreferredPort    int    `json:"preferred_port,omitempty"`
	Protocol         string `json:"protocol,omitempty"`
	HealthCheckPath  string `json:"health_check_path,omitempty"`
	Region           string `json:"region,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
}

// Response tells the caller where it has been placed.
type Response struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	HealthURL string `json:"health_url"`
}

// Backend is one healthy instance in a load-balancer config.
type Backend struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// LoadBalancerConfig lists the healthy instances behind a service prefix.
type LoadBalancerConfig struct {
	Service             string    `json:"service"`
	Strategy            string    `json:"strategy"`
	HealthCheckInterval string    `json:"health_check_interval"`
	Backends            []Backend `json:"backends"`
}

type portRecord struct {
	ServiceName string    `json:"service_name"`
	AllocatedAt time.Time `json:"allocated_at"`
}

type cached struct {
	ep domain.ServiceEndpoint
	at time.Time
}

// Registry is safe for concurrent use. Writers hold mu exclusively, so a
// bulk host rewrite is never observed half done.
type Registry struct {
	mu     sync.RWMutex
	shared store.Store
	ports  *port.PortManager
	health HealthChecker
	host   string
	region string
	zone   string

	cache      *lru.Cache
	cacheTTL   time.Duration
	staleAfter time.Duration
	lbStrategy string
	lbInterval time.Duration

	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithAdvertiseHost sets the host written into new registrations.
func WithAdvertiseHost(host string) Option {
	return func(r *Registry) { r.host = host }
}

// WithLocation sets the region and availability zone used when a request
// leaves them empty.
func WithLocation(region, zone string) Option {
	return func(r *Registry) {
		r.region = region
		r.zone = zone
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) { r.cacheTTL = d }
}

// WithLoadBalancing sets the strategy name and check interval reported in
// load-balancer configs.
func WithLoadBalancing(strategy string, interval time.Duration) Option {
	return func(r *Registry) {
		r.lbStrategy = strategy
		r.lbInterval = interval
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(shared store.Store, ports *port.PortManager, health HealthChecker, opts ...Option) *Registry {
	cache, _ := lru.New(1024)
	r := &Registry{
		shared:     shared,
		ports:      ports,
		health:     health,
		host:       "localhost",
		cache:      cache,
		cacheTTL:   DefaultCacheTTL,
		staleAfter: DefaultStaleAfter,
		lbStrategy: DefaultLBStrategy,
		lbInterval: 30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrRoot(r.logger)
	return r
}

func serviceKey(name string) string { return servicePrefix + name }

func portKey(p int) string { return portPrefix + strconv.Itoa(p) }

// AdvertiseHost returns the host written into new registrations.
func (r *Registry) AdvertiseHost() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// Restore rebuilds the port table from the shared store. Records whose port
// is outside the range or already held by another service are skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, err := r.listLocked(ctx, "")
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, ep := range eps {
		if err := r.ports.Restore(ep.ServiceName, ep.Port, ep.RegisteredAt); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"Service": ep.ServiceName,
				"Port":    ep.Port,
			}).Warn("skipping registration on restore")
			continue
		}
		restored++
	}
	r.reportPorts()
	return restored, nil
}

// Register places a service on a port and records it. A service that is
// already registered keeps its port unless it asks for a different one that
// is free.
func (r *Registry) Register(ctx context.Context, req Request) (Response, error) {
	name := strings.TrimSpace(req.ServiceName)
	if name == "" {
		return Response{}, ErrEmptyServiceName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing domain.ServiceEndpoint
	found, err := store.GetJSON(ctx, r.shared, serviceKey(name), &existing)
	if err != nil {
		return Response{}, err
	}

	now := r.now()
	var (
		assigned int
		fresh    bool // port newly taken from the table by this call
		oldPort  int
	)
	switch {
	case found && (req.PreferredPort == 0 || req.PreferredPort == existing.Port):
		assigned = existing.Port
		if err := r.ports.Restore(name, assigned, existing.RegisteredAt); err != nil {
			return Response{}, fmt.Errorf("%w: %s: %w", ErrRegistrationConflict, name, err)
		}
	case found:
		if err := r.ports.Claim(name, req.PreferredPort); err == nil {
			assigned, fresh, oldPort = req.PreferredPort, true, existing.Port
		} else {
			assigned = existing.Port
			if err := r.ports.Restore(name, assigned, existing.RegisteredAt); err != nil {
				return Response{}, fmt.Errorf("%w: %s: %w", ErrRegistrationConflict, name, err)
			}
		}
	default:
		p, err := r.ports.AllocatePreferred(name, req.PreferredPort)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %s: %w", ErrRegistrationConflict, name, err)
		}
		assigned, fresh = p, true
	}

	ep := domain.ServiceEndpoint{
		ServiceName:      name,
		Host:             r.host,
		Port:             assigned,
		Protocol:         defaultString(req.Protocol, "http"),
		HealthCheckPath:  defaultString(req.HealthCheckPath, "/health"),
		Region:           defaultString(req.Region, r.region),
		AvailabilityZone: defaultString(req.AvailabilityZone, r.zone),
		RegisteredAt:     now,
		UpdatedAt:        now,
	}
	if found {
		ep.RegisteredAt = existing.RegisteredAt
	}

	var prior *domain.ServiceEndpoint
	if found {
		prior = &existing
	}
	if err := r.writeLocked(ctx, ep, prior); err != nil {
		if fresh {
			r.ports.Release(assigned)
		}
		return Response{}, err
	}
	if oldPort != 0 {
		r.ports.Release(oldPort)
		if err := r.shared.Delete(ctx, portKey(oldPort)); err != nil {
			r.logger.WithError(err).WithField("Port", oldPort).Warn("failed to delete stale port record")
		}
	}
	r.cache.Add(name, cached{ep: ep, at: now})
	r.health.Invalidate(name)
	r.reportPorts()

	r.logger.WithFields(logrus.Fields{
		"Service": name,
		"Port":    assigned,
		"Host":    ep.Host,
	}).Info("service registered")

	return Response{
		Host:      ep.Host,
		Port:      ep.Port,
		Protocol:  ep.Protocol,
		HealthURL: ep.HealthURL(),
	}, nil
}

// writeLocked stores the service and port records. If the port record
// fails, the service record goes back to prior, or is removed when there
// was none.
func (r *Registry) writeLocked(ctx context.Context, ep domain.ServiceEndpoint, prior *domain.ServiceEndpoint) error {
	if err := store.SetJSON(ctx, r.shared, serviceKey(ep.ServiceName), ep); err != nil {
		return err
	}
	rec := portRecord{ServiceName: ep.ServiceName, AllocatedAt: ep.UpdatedAt}
	if err := store.SetJSON(ctx, r.shared, portKey(ep.Port), rec); err != nil {
		var undo error
		if prior != nil {
			undo = store.SetJSON(ctx, r.shared, serviceKey(ep.ServiceName), *prior)
		} else {
			undo = r.shared.Delete(ctx, serviceKey(ep.ServiceName))
		}
		if undo != nil {
			r.logger.WithError(undo).WithField("Service", ep.ServiceName).Warn("failed to roll back service record")
		}
		return err
	}
	return nil
}

// Unregister frees the service's port and removes its record.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ep domain.ServiceEndpoint
	found, err := store.GetJSON(ctx, r.shared, serviceKey(name), &ep)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return r.removeLocked(ctx, ep)
}

func (r *Registry) removeLocked(ctx context.Context, ep domain.ServiceEndpoint) error {
	if err := r.shared.Delete(ctx, serviceKey(ep.ServiceName)); err != nil {
		return err
	}
	if err := r.shared.Delete(ctx, portKey(ep.Port)); err != nil {
		r.logger.WithError(err).WithField("Port", ep.Port).Warn("failed to delete port record")
	}
	if a, held := r.ports.GetAllocation(ep.Port); held && a.ServiceName == ep.ServiceName {
		r.ports.Release(ep.Port)
	}
	r.cache.Remove(ep.ServiceName)
	r.health.Invalidate(ep.ServiceName)
	r.reportPorts()

	r.logger.WithFields(logrus.Fields{
		"Service": ep.ServiceName,
		"Port":    ep.Port,
	}).Info("service unregistered")
	return nil
}

// Discover returns the endpoint for a service, from the local cache when it
// is fresh and from the shared store otherwise.
func (r *Registry) Discover(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.cache.Get(name); ok {
		c := v.(cached)
		if r.now().Sub(c.at) < r.cacheTTL {
			return c.ep, nil
		}
	}
	var ep domain.ServiceEndpoint
	found, err := store.GetJSON(ctx, r.shared, serviceKey(name), &ep)
	if err != nil {
		return domain.ServiceEndpoint{}, err
	}
	if !found {
		r.cache.Remove(name)
		return domain.ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	r.cache.Add(name, cached{ep: ep, at: r.now()})
	return ep, nil
}

// DiscoverByPrefix returns every endpoint whose name starts with prefix,
// sorted by name.
func (r *Registry) DiscoverByPrefix(ctx context.Context, prefix string) ([]domain.ServiceEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(ctx, prefix)
}

// List returns every registered endpoint.
func (r *Registry) List(ctx context.Context) ([]domain.ServiceEndpoint, error) {
	return r.DiscoverByPrefix(ctx, "")
}

func (r *Registry) listLocked(ctx context.Context, prefix string) ([]domain.ServiceEndpoint, error) {
	raw, err := r.shared.List(ctx, servicePrefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ServiceEndpoint, 0, len(raw))
	for _, key := range store.SortedKeys(raw) {
		var ep domain.ServiceEndpoint
		if err := json.Unmarshal(raw[key], &ep); err != nil {
			r.logger.WithError(err).WithField("Key", key).Warn("skipping undecodable service record")
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// LoadBalancerConfig builds a backend list of the currently healthy
// instances under prefix.
func (r *Registry) LoadBalancerConfig(ctx context.Context, prefix string) (LoadBalancerConfig, error) {
	eps, err := r.DiscoverByPrefix(ctx, prefix)
	if err != nil {
		return LoadBalancerConfig{}, err
	}
	cfg := LoadBalancerConfig{
		Service:             prefix,
		Strategy:            r.lbStrategy,
		HealthCheckInterval: r.lbInterval.String(),
		Backends:            []Backend{},
	}
	for _, ep := range eps {
		if !r.health.IsHealthy(ctx, ep) {
			continue
		}
		cfg.Backends = append(cfg.Backends, Backend{
			Name: ep.ServiceName,
			Host: ep.Host,
			Port: ep.Port,
			URL:  ep.BaseURL(),
		})
	}
	return cfg, nil
}

// UpdateHost rewrites every endpoint on oldHost to newHost. Readers are
// blocked for the duration and a failed write rolls back the records
// already rewritten, so callers see all of the change or none of it.
// An empty oldHost rewrites every endpoint.
func (r *Registry) UpdateHost(ctx context.Context, oldHost, newHost string) (int, error) {
	if newHost == "" {
		return 0, errors.New("new host cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, err := r.listLocked(ctx, "")
	if err != nil {
		return 0, err
	}
	now := r.now()
	var written []domain.ServiceEndpoint
	for _, ep := range eps {
		if oldHost != "" && ep.Host != oldHost {
			continue
		}
		updated := ep
		updated.Host = newHost
		updated.UpdatedAt = now
		if err := store.SetJSON(ctx, r.shared, serviceKey(ep.ServiceName), updated); err != nil {
			r.rollbackLocked(ctx, written)
			return 0, fmt.Errorf("rewrite %s: %w", ep.ServiceName, err)
		}
		written = append(written, ep)
	}

	for _, ep := range written {
		r.cache.Remove(ep.ServiceName)
		r.health.Invalidate(ep.ServiceName)
	}
	if oldHost == "" || r.host == oldHost {
		r.host = newHost
	}
	r.logger.WithFields(logrus.Fields{
		"OldHost": oldHost,
		"NewHost": newHost,
		"Count":   len(written),
	}).Info("service hosts rewritten")
	return len(written), nil
}

func (r *Registry) rollbackLocked(ctx context.Context, originals []domain.ServiceEndpoint) {
	for _, ep := range originals {
		if err := store.SetJSON(ctx, r.shared, serviceKey(ep.ServiceName), ep); err != nil {
			r.logger.WithError(err).WithField("Service", ep.ServiceName).Error("host rewrite rollback failed")
		}
	}
}

// Cleanup removes registrations that are both older than the staleness
// threshold and failing health checks. Healthy registrations stay no matter
// their age.
func (r *Registry) Cleanup(ctx context.Context) ([]string, error) {
	eps, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var candidates []domain.ServiceEndpoint
	for _, ep := range eps {
		if now.Sub(ep.UpdatedAt) <= r.staleAfter {
			continue
		}
		healthy := r.health.IsHealthy(ctx, ep)
		// A verdict reached after cancellation may be a timeout, not a
		// failed service.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if healthy {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			sort.Strings(removed)
			return removed, err
		}
		var current domain.ServiceEndpoint
		found, err := store.GetJSON(ctx, r.shared, serviceKey(ep.ServiceName), &current)
		if err != nil {
			return removed, err
		}
		// Re-registered while it was being probed.
		if !found || !current.UpdatedAt.Equal(ep.UpdatedAt) {
			continue
		}
		if err := r.removeLocked(ctx, current); err != nil {
			return removed, err
		}
		removed = append(removed, ep.ServiceName)
	}
	sort.Strings(removed)
	return removed, nil
}

func (r *Registry) reportPorts() {
	r.metrics.SetPortsAllocated(len(r.ports.Allocated()))
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
