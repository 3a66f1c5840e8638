package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	"github.com/warmfleet/coordinator/internal/manager"
	"github.com/warmfleet/coordinator/pkg/logger"
)

func newFakeNodeServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Write([]byte(`{"data":[{"id":"llama-3-70b","ready":true}]}`))
		case "/v1/cluster/health":
			w.WriteHeader(http.StatusOK)
		case "/v1/cluster/cache":
			w.Write([]byte(`{"prompt_hash":"","tools_hash":"","capacity_bytes":0,"used_bytes":0,"hit_rate":0}`))
		case "/v1/cluster/cache/warm":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// newAdminServer initializes the process-wide manager once and mounts the
// admin surface on a test server
func newAdminServer(t *testing.T) *httptest.Server {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	node := newFakeNodeServer(t)

	cfg := config.DefaultConfig()
	cfg.Discovery.StaticNodes = []config.StaticNodeConfig{
		{ID: "node-a", URL: node.URL, Weight: 1},
	}
	cfg.Discovery.RefreshInterval = time.Hour
	cfg.Health.CheckInterval = time.Hour
	cfg.Cache.SyncInterval = time.Hour
	cfg.Cache.SystemPromptWarmup = false
	cfg.Admin.Enabled = false

	m, err := manager.Initialize(cfg, log)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	router := mux.NewRouter()
	NewAdminHandler(m, log).RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestAdminEndpoints(t *testing.T) {
	server := newAdminServer(t)

	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/admin/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var status domain.ClusterStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, 1, status.NodeCount)
		assert.Equal(t, 1, status.EligibleCount)
	})

	t.Run("nodes", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/admin/nodes")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var nodes []domain.NodeSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
		require.Len(t, nodes, 1)
		assert.Equal(t, "node-a", nodes[0].ID)
	})

	t.Run("cache", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/admin/cache")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var entries []cacheEntryView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		assert.Empty(t, entries)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/admin/status", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
