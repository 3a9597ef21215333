package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-orchestrator/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func endpointFor(t *testing.T, srv *httptest.Server, name string) domain.ServiceEndpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	return domain.ServiceEndpoint{ServiceName: name, Host: host, Port: p, Protocol: "http", HealthCheckPath: "/health"}
}

func TestIsHealthy_OKIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker()

	assert.True(t, c.IsHealthy(context.Background(), endpointFor(t, srv, "alpha")))
}

func TestIsHealthy_Non200IsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewChecker()

	assert.False(t, c.IsHealthy(context.Background(), endpointFor(t, srv, "alpha")))
}

func TestIsHealthy_TransportErrorIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := endpointFor(t, srv, "alpha")
	srv.Close()

	c := NewChecker()

	assert.False(t, c.IsHealthy(context.Background(), ep))
	r, ok := c.Cached("alpha")
	require.True(t, ok, "failures are cached like successes")
	assert.False(t, r.Healthy)
}

func TestIsHealthy_TimeoutIsUnhealthy(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewChecker(WithTimeout(50 * time.Millisecond))

	assert.False(t, c.IsHealthy(context.Background(), endpointFor(t, srv, "slow")))
}

func TestIsHealthy_CachesForTTL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	clock := &fakeClock{t: time.Now()}
	c := NewChecker(WithClock(clock.Now), WithTTL(30*time.Second))
	ep := endpointFor(t, srv, "alpha")

	c.IsHealthy(context.Background(), ep)
	clock.Advance(29 * time.Second)
	c.IsHealthy(context.Background(), ep)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	clock.Advance(2 * time.Second)
	c.IsHealthy(context.Background(), ep)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestIsHealthy_CancelledCallerStillGetsVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := NewChecker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, c.IsHealthy(ctx, endpointFor(t, srv, "alpha")))
	res, ok := c.Cached("alpha")
	require.True(t, ok)
	assert.True(t, res.Healthy)
}

func TestIsHealthy_FailureAfterCancelNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewChecker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, c.IsHealthy(ctx, endpointFor(t, srv, "alpha")))
	_, ok := c.Cached("alpha")
	assert.False(t, ok)

	assert.False(t, c.IsHealthy(context.Background(), endpointFor(t, srv, "alpha")))
	_, ok = c.Cached("alpha")
	assert.True(t, ok)
}

func TestIsHealthy_ReadersSeeStaleValueDuringProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var block atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if block.Load() {
			entered <- struct{}{}
			<-release
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	clock := &fakeClock{t: time.Now()}
	c := NewChecker(WithClock(clock.Now), WithTTL(time.Second))
	ep := endpointFor(t, srv, "alpha")
	require.True(t, c.IsHealthy(context.Background(), ep))

	clock.Advance(2 * time.Second)
	healthy.Store(false)
	block.Store(true)
	probeDone := make(chan bool)
	go func() { probeDone <- c.IsHealthy(context.Background(), ep) }()
	<-entered

	// A concurrent reader does not wait and sees the previous verdict.
	assert.True(t, c.IsHealthy(context.Background(), ep))

	close(release)
	assert.False(t, <-probeDone)
	assert.False(t, c.IsHealthy(context.Background(), ep))
}

func TestInvalidate_ForcesProbe(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	c := NewChecker()
	ep := endpointFor(t, srv, "alpha")

	c.IsHealthy(context.Background(), ep)
	c.Invalidate("alpha")
	c.IsHealthy(context.Background(), ep)

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSweep_ReturnsUnhealthy(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	c := NewChecker()

	unhealthy := c.Sweep(context.Background(), []domain.ServiceEndpoint{
		endpointFor(t, ok, "alpha"),
		endpointFor(t, bad, "beta"),
	})

	assert.Equal(t, []string{"beta"}, unhealthy)
}
