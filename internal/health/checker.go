// Package health probes service endpoints and caches the verdicts.
//
// Every failure mode (transport error, timeout, non-200 status) degrades to
// "unhealthy" and is cached exactly like a success. IsHealthy never returns
// an error.
package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/metrics"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultTimeout   = 5 * time.Second
	defaultCacheSize = 4096
)

// Result is a cached probe verdict.
type Result struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker probes endpoint health URLs with a bounded timeout and caches the
// result per service for a TTL. While a probe for a service is in flight,
// other callers get the previous verdict instead of waiting; callers with no
// previous verdict share the in-flight probe.
type Checker struct {
	client  *http.Client
	ttl     time.Duration
	cache   *lru.Cache
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option configures a Checker
type Option func(*Checker)

func WithTTL(ttl time.Duration) Option {
	return func(c *Checker) { c.ttl = ttl }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.client.Timeout = d }
}

// WithHTTPClient replaces the probe client. Its Timeout bounds each probe.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Checker) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func NewChecker(opts ...Option) *Checker {
	cache, _ := lru.New(defaultCacheSize)
	c := &Checker{
		client:   &http.Client{Timeout: DefaultTimeout},
		ttl:      DefaultTTL,
		cache:    cache,
		now:      time.Now,
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrRoot(c.logger)
	return c
}

// TTL returns the cache lifetime of a verdict.
func (c *Checker) TTL() time.Duration {
	return c.ttl
}

// IsHealthy returns the cached verdict for the endpoint's service, probing
// once if the verdict has expired.
func (c *Checker) IsHealthy(ctx context.Context, ep domain.ServiceEndpoint) bool {
	key := ep.ServiceName
	cached, have := c.Cached(key)
	if have && c.now().Sub(cached.CheckedAt) < c.ttl {
		return cached.Healthy
	}

	c.mu.Lock()
	if wait, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		if have {
			return cached.Healthy
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		r, ok := c.Cached(key)
		return ok && r.Healthy
	}
	done := make(chan struct{})
	c.inflight[key] = done
	c.mu.Unlock()

	healthy := c.probe(ctx, ep)
	// A failure seen after the caller gave up is not a verdict.
	if healthy || ctx.Err() == nil {
		c.cache.Add(key, Result{Healthy: healthy, CheckedAt: c.now()})
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(done)
	return healthy
}

// Cached returns the last verdict for a service regardless of age.
func (c *Checker) Cached(serviceName string) (Result, bool) {
	v, ok := c.cache.Get(serviceName)
	if !ok {
		return Result{}, false
	}
	return v.(Result), true
}

// Invalidate drops the cached verdict so the next call probes.
func (c *Checker) Invalidate(serviceName string) {
	c.cache.Remove(serviceName)
}

// Sweep refreshes the verdict of every endpoint and returns the unhealthy
// service names.
func (c *Checker) Sweep(ctx context.Context, endpoints []domain.ServiceEndpoint) []string {
	var unhealthy []string
	for _, ep := range endpoints {
		if !c.IsHealthy(ctx, ep) {
			unhealthy = append(unhealthy, ep.ServiceName)
		}
	}
	return unhealthy
}

// probe is bounded by the client timeout only. Cancelling the caller's ctx
// does not abort a probe in flight.
func (c *Checker) probe(ctx context.Context, ep domain.ServiceEndpoint) bool {
	log := c.logger.WithFields(logrus.Fields{
		"Service": ep.ServiceName,
		"URL":     ep.HealthURL(),
	})
	ctx = context.WithoutCancel(ctx)
	if c.client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.client.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.HealthURL(), nil)
	if err != nil {
		log.WithError(err).Debug("health probe request invalid")
		c.metrics.IncHealthProbe(false)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Debug("health probe failed")
		c.metrics.IncHealthProbe(false)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	healthy := resp.StatusCode == http.StatusOK
	log.WithField("StatusCode", resp.StatusCode).Debug("health probe finished")
	c.metrics.IncHealthProbe(healthy)
	return healthy
}
