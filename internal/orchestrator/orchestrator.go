// Package orchestrator is the administrative surface over the telemetry
// store, allocator, service registry and reliability engine. Transports
// (HTTP, CLI) are thin layers on top of it.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/registry"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
	"github.com/worldland/worldland-orchestrator/internal/telemetry"
)

const (
	DefaultDispatchTimeout = 5 * time.Second
	WorkerServicePrefix    = "worker-"
	dispatchFunction       = "dispatch"
	maxDispatchBody        = 1 << 20
)

// Task is the unit of work sent to a worker node.
type Task struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// DispatchResult is a worker's reply to a dispatched task.
type DispatchResult struct {
	AgentID    string          `json:"agent_id"`
	NodeID     string          `json:"node_id"`
	Endpoint   string          `json:"endpoint"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// NetworkConfig is the operator-facing network setting.
type NetworkConfig struct {
	ExternalHost string `json:"external_host"`
}

// Snapshot is a point-in-time view of the cluster.
type Snapshot struct {
	GeneratedAt  time.Time                     `json:"generated_at"`
	Nodes        []domain.Node                 `json:"nodes"`
	Services     []domain.ServiceEndpoint      `json:"services"`
	Breakers     []reliability.BreakerSnapshot `json:"breakers"`
	OpenBreakers []reliability.BreakerSnapshot `json:"open_breakers"`
	Allocations  []allocator.Allocation        `json:"allocations"`
}

// Orchestrator wires the core components together.
type Orchestrator struct {
	nodes    *telemetry.Store
	alloc    *allocator.Allocator
	registry *registry.Registry
	engine   *reliability.Engine

	client          *http.Client
	dispatchTimeout time.Duration
	logger          logrus.FieldLogger
	now             func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithHTTPClient replaces the client used to dispatch tasks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.dispatchTimeout = d }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(nodes *telemetry.Store, alloc *allocator.Allocator, reg *registry.Registry, engine *reliability.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		nodes:           nodes,
		alloc:           alloc,
		registry:        reg,
		engine:          engine,
		client:          &http.Client{},
		dispatchTimeout: DefaultDispatchTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrRoot(o.logger)
	return o
}

// Restore loads shared state written by a previous run or another instance.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if err := o.nodes.Load(ctx); err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	if err := o.alloc.Load(ctx); err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	if _, err := o.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	if err := o.engine.Load(ctx); err != nil {
		return fmt.Errorf("load error history: %w", err)
	}
	return nil
}

func (o *Orchestrator) RegisterService(ctx context.Context, req registry.Request) (registry.Response, error) {
	return o.registry.Register(ctx, req)
}

func (o *Orchestrator) UnregisterService(ctx context.Context, name string) error {
	return o.registry.Unregister(ctx, name)
}

func (o *Orchestrator) DiscoverService(ctx context.Context, name string) (domain.ServiceEndpoint, error) {
	return o.registry.Discover(ctx, name)
}

func (o *Orchestrator) DiscoverServices(ctx context.Context, prefix string) ([]domain.ServiceEndpoint, error) {
	return o.registry.DiscoverByPrefix(ctx, prefix)
}

func (o *Orchestrator) LoadBalancerConfig(ctx context.Context, prefix string) (registry.LoadBalancerConfig, error) {
	return o.registry.LoadBalancerConfig(ctx, prefix)
}

func (o *Orchestrator) RegisterNode(ctx context.Context, reg telemetry.NodeRegistration) (domain.Node, error) {
	return o.nodes.Register(ctx, reg)
}

func (o *Orchestrator) IngestTelemetry(ctx context.Context, nodeID string, t domain.NodeTelemetry) (domain.Node, error) {
	return o.nodes.Ingest(ctx, nodeID, t)
}

func (o *Orchestrator) Allocate(ctx context.Context, w allocator.Workload) (allocator.Allocation, error) {
	return o.alloc.Allocate(ctx, w)
}

func (o *Orchestrator) Deallocate(ctx context.Context, agentID string) (allocator.Allocation, error) {
	return o.alloc.Deallocate(ctx, agentID)
}

// Snapshot collects nodes, services, breakers and allocations.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	services, err := o.registry.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		GeneratedAt:  o.now(),
		Nodes:        o.nodes.List(),
		Services:     services,
		Breakers:     o.engine.Breakers(),
		OpenBreakers: o.engine.OpenBreakers(),
		Allocations:  o.alloc.Allocations(),
	}, nil
}

// UpdateNetworkConfig moves every endpoint on the current advertised host
// to the new external host in one atomic rewrite.
func (o *Orchestrator) UpdateNetworkConfig(ctx context.Context, cfg NetworkConfig) (int, error) {
	host := strings.TrimSpace(cfg.ExternalHost)
	if host == "" {
		return 0, errors.New("external host cannot be empty")
	}
	return o.registry.UpdateHost(ctx, o.registry.AdvertiseHost(), host)
}

// WorkerService names the registry entry of a node's worker endpoint.
func WorkerService(nodeID string) string {
	return WorkerServicePrefix + nodeID
}

// Dispatch sends a task to the node the agent is allocated to. The call runs
// behind the worker's circuit breaker and is bounded by timeout, or the
// default dispatch timeout when timeout is zero.
func (o *Orchestrator) Dispatch(ctx context.Context, agentID string, task Task, timeout time.Duration) (DispatchResult, error) {
	rec, ok := o.alloc.Get(agentID)
	if !ok {
		return DispatchResult{}, fmt.Errorf("%w: %s", allocator.ErrAllocationNotFound, agentID)
	}
	service := WorkerService(rec.NodeID)
	ep, err := o.registry.Discover(ctx, service)
	if err != nil {
		return DispatchResult{}, err
	}
	if timeout <= 0 {
		timeout = o.dispatchTimeout
	}
	body, err := json.Marshal(task)
	if err != nil {
		return DispatchResult{}, err
	}
	url := ep.BaseURL() + "/tasks"

	log := o.logger.WithFields(logrus.Fields{
		"AgentID": agentID,
		"NodeID":  rec.NodeID,
		"TaskID":  task.ID,
	})
	res, err := reliability.Do(ctx, o.engine, service, dispatchFunction, func(ctx context.Context) (DispatchResult, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return o.post(ctx, url, body)
	})
	if err != nil {
		log.WithError(err).Warn("dispatch failed")
		return DispatchResult{}, err
	}
	res.AgentID = agentID
	res.NodeID = rec.NodeID
	res.Endpoint = ep.Address()
	log.WithField("StatusCode", res.StatusCode).Info("task dispatched")
	return res, nil
}

func (o *Orchestrator) post(ctx context.Context, url string, body []byte) (DispatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, reliability.Tag(err, reliability.CategoryValidation)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return DispatchResult{}, err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxDispatchBody))
	if err != nil {
		return DispatchResult{}, err
	}
	switch {
	case resp.StatusCode >= 500:
		return DispatchResult{}, reliability.Tag(
			fmt.Errorf("worker returned status %d", resp.StatusCode), reliability.CategoryExternalAPI)
	case resp.StatusCode >= 400:
		return DispatchResult{}, reliability.Tag(
			fmt.Errorf("worker rejected task with status %d", resp.StatusCode), reliability.CategoryValidation)
	}
	res := DispatchResult{StatusCode: resp.StatusCode}
	if json.Valid(reply) {
		res.Body = reply
	}
	return res, nil
}
