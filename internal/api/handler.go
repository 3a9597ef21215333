// Package api exposes the orchestrator's administrative surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/logging"
	"github.com/worldland/worldland-orchestrator/internal/orchestrator"
	"github.com/worldland/worldland-orchestrator/internal/registry"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
	"github.com/worldland/worldland-orchestrator/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Error codes returned in ErrorResponse.Code
const (
	CodeAllocationFailed     = "ALLOCATION_FAILED"
	CodeCircuitOpen          = "CIRCUIT_OPEN"
	CodeRegistrationConflict = "REGISTRATION_CONFLICT"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeUpstreamFailed       = "UPSTREAM_FAILED"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorResponse for error cases
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DispatchRequest is the JSON body for POST /dispatch/{agent}
type DispatchRequest struct {
	Task      orchestrator.Task `json:"task"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// NetworkResponse is returned by PUT /network
type NetworkResponse struct {
	ExternalHost string `json:"external_host"`
	Updated      int    `json:"updated"`
}

// Service defines the operations the handler needs from the orchestrator.
type Service interface {
	RegisterService(ctx context.Context, req registry.Request) (registry.Response, error)
	UnregisterService(ctx context.Context, name string) error
	DiscoverService(ctx context.Context, name string) (domain.ServiceEndpoint, error)
	DiscoverServices(ctx context.Context, prefix string) ([]domain.ServiceEndpoint, error)
	LoadBalancerConfig(ctx context.Context, prefix string) (registry.LoadBalancerConfig, error)
	RegisterNode(ctx context.Context, reg telemetry.NodeRegistration) (domain.Node, error)
	IngestTelemetry(ctx context.Context, nodeID string, t domain.NodeTelemetry) (domain.Node, error)
	Allocate(ctx context.Context, w allocator.Workload) (allocator.Allocation, error)
	Deallocate(ctx context.Context, agentID string) (allocator.Allocation, error)
	Dispatch(ctx context.Context, agentID string, task orchestrator.Task, timeout time.Duration) (orchestrator.DispatchResult, error)
	Snapshot(ctx context.Context) (orchestrator.Snapshot, error)
	UpdateNetworkConfig(ctx context.Context, cfg orchestrator.NetworkConfig) (int, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Handler serves the admin API.
type Handler struct {
	svc      Service
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
}

// NewHandler creates a new handler. A nil gatherer leaves /metrics
// unrouted.
func NewHandler(svc Service, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Handler {
	return &Handler{svc: svc, gatherer: gatherer, logger: logging.OrRoot(logger)}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/cluster", h.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/network", h.handleUpdateNetwork).Methods(http.MethodPut)

	r.HandleFunc("/services", h.handleRegisterService).Methods(http.MethodPost)
	r.HandleFunc("/services", h.handleListServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}", h.handleDiscoverService).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}", h.handleUnregisterService).Methods(http.MethodDelete)
	r.HandleFunc("/lb/{prefix}", h.handleLoadBalancer).Methods(http.MethodGet)

	r.HandleFunc("/nodes", h.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/telemetry", h.handleIngestTelemetry).Methods(http.MethodPost)

	r.HandleFunc("/allocations", h.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc("/allocations/{agent}", h.handleDeallocate).Methods(http.MethodDelete)
	r.HandleFunc("/dispatch/{agent}", h.handleDispatch).Methods(http.MethodPost)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := h.logger.WithFields(logrus.Fields{
			"RequestID": uuid.NewString(),
			"Method":    r.Method,
			"Path":      r.URL.Path,
		})
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logging.Context(r.Context(), entry)))
		entry.WithFields(logrus.Fields{
			"Status":   rec.status,
			"Duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.NetworkConfig
	if !h.decode(w, r, &req) {
		return
	}
	if req.ExternalHost == "" {
		h.writeError(w, http.StatusBadRequest, "external_host is required", CodeInvalidRequest)
		return
	}
	n, err := h.svc.UpdateNetworkConfig(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, NetworkResponse{ExternalHost: req.ExternalHost, Updated: n})
}

func (h *Handler) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registry.Request
	if !h.decode(w, r, &req) {
		return
	}
	if req.ServiceName == "" {
		h.writeError(w, http.StatusBadRequest, "service_name is required", CodeInvalidRequest)
		return
	}
	if req.PreferredPort < 0 || req.PreferredPort > 65535 {
		h.writeError(w, http.StatusBadRequest, "preferred_port out of range", CodeInvalidRequest)
		return
	}
	resp, err := h.svc.RegisterService(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	eps, err := h.svc.DiscoverServices(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, eps)
}

func (h *Handler) handleDiscoverService(w http.ResponseWriter, r *http.Request) {
	ep, err := h.svc.DiscoverService(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ep)
}

func (h *Handler) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnregisterService(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLoadBalancer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.LoadBalancerConfig(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req telemetry.NodeRegistration
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "id is required", CodeInvalidRequest)
		return
	}
	node, err := h.svc.RegisterNode(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, node)
}

func (h *Handler) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var t domain.NodeTelemetry
	if !h.decode(w, r, &t) {
		return
	}
	if t.VRAMTotalMB < 0 || t.VRAMUsedMB < 0 {
		h.writeError(w, http.StatusBadRequest, "vram_total_mb and vram_used_mb must not be negative", CodeInvalidRequest)
		return
	}
	node, err := h.svc.IngestTelemetry(r.Context(), mux.Vars(r)["id"], t)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, node)
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocator.Workload
	if !h.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "agent_id and model are required", CodeInvalidRequest)
		return
	}
	a, err := h.svc.Allocate(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Deallocate(r.Context(), mux.Vars(r)["agent"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 {
		h.writeError(w, http.StatusBadRequest, "timeout_ms cannot be negative", CodeInvalidRequest)
		return
	}
	res, err := h.svc.Dispatch(r.Context(), mux.Vars(r)["agent"], req.Task, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", CodeInvalidRequest)
		return false
	}
	return true
}

// writeServiceError maps the core's error taxonomy to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		allocErr *allocator.AllocationError
		openErr  *reliability.CircuitOpenError
	)
	switch {
	case errors.As(err, &allocErr):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeAllocationFailed, Reason: string(allocErr.Reason)})
	case errors.As(err, &openErr):
		if secs := int(math.Ceil(openErr.RetryAfter.Seconds())); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), CodeCircuitOpen)
	case errors.Is(err, registry.ErrRegistrationConflict):
		h.writeError(w, http.StatusConflict, err.Error(), CodeRegistrationConflict)
	case errors.Is(err, registry.ErrServiceNotFound),
		errors.Is(err, telemetry.ErrNodeNotFound),
		errors.Is(err, allocator.ErrAllocationNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), CodeNotFound)
	case errors.Is(err, registry.ErrEmptyServiceName),
		errors.Is(err, telemetry.ErrEmptyNodeID),
		errors.Is(err, allocator.ErrEmptyAgentID):
		h.writeError(w, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
	case errors.Is(err, reliability.ErrRecoveryExhausted):
		h.writeError(w, http.StatusBadGateway, err.Error(), CodeUpstreamFailed)
	default:
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, err.Error(), CodeInternal)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
