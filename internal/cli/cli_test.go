package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/api"
	"github.com/worldland/worldland-orchestrator/internal/domain"
	"github.com/worldland/worldland-orchestrator/internal/orchestrator"
	"github.com/worldland/worldland-orchestrator/internal/reliability"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAdminClient_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/cluster", r.URL.Path)
		writeJSON(w, http.StatusOK, orchestrator.Snapshot{
			Nodes: []domain.Node{{ID: "n1", Status: domain.NodeStatusActive}},
		})
	}))
	defer srv.Close()

	snap, err := NewAdminClient(srv.URL + "/").Snapshot(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "n1", snap.Nodes[0].ID)
}

func TestAdminClient_ServicesPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "worker-", r.URL.Query().Get("prefix"))
		writeJSON(w, http.StatusOK, []domain.ServiceEndpoint{{ServiceName: "worker-a", Port: 8000}})
	}))
	defer srv.Close()

	eps, err := NewAdminClient(srv.URL).Services(context.Background(), "worker-")

	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, 8000, eps[0].Port)
}

func TestAdminClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wl allocator.Workload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wl))
		assert.Equal(t, "agent-1", wl.AgentID)
		writeJSON(w, http.StatusConflict, api.ErrorResponse{
			Error:  "allocation failed",
			Code:   api.CodeAllocationFailed,
			Reason: "insufficient_vram",
		})
	}))
	defer srv.Close()

	_, err := NewAdminClient(srv.URL).Allocate(context.Background(), allocator.Workload{AgentID: "agent-1", Model: "m"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, api.CodeAllocationFailed, apiErr.Code)
	assert.Equal(t, "insufficient_vram", apiErr.Reason)
	assert.Contains(t, err.Error(), "(insufficient_vram)")
}

func TestAdminClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewAdminClient(srv.URL).UnregisterService(context.Background(), "alpha")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestAdminClient_SetExternalHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var cfg orchestrator.NetworkConfig
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		writeJSON(w, http.StatusOK, api.NetworkResponse{ExternalHost: cfg.ExternalHost, Updated: 2})
	}))
	defer srv.Close()

	n, err := NewAdminClient(srv.URL).SetExternalHost(context.Background(), "203.0.113.5")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrinter_Snapshot(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Snapshot(&orchestrator.Snapshot{
		GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Nodes: []domain.Node{{
			ID: "gpu-node-with-a-very-long-identifier", Status: domain.NodeStatusActive,
			VRAMTotalMB: 24000, VRAMFreeMB: 16000, Temperature: 61, Models: []string{"llama", "mistral"},
		}},
		Allocations: []allocator.Allocation{{AgentID: "agent-1", NodeID: "n1", Model: "llama", VRAMMB: 8000}},
		Breakers: []reliability.BreakerSnapshot{{
			Service: "worker-n1", Function: "dispatch", State: reliability.StateOpen, FailureCount: 5, FailureThreshold: 5,
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "=== Nodes (1) ===")
	assert.Contains(t, out, "gpu-node-with-a-very-...")
	assert.Contains(t, out, "16000/24000")
	assert.Contains(t, out, "llama,mistral")
	assert.Contains(t, out, "(no services registered)")
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "failures=5/5")
}
