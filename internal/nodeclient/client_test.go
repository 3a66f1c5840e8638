package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warmfleet/coordinator/internal/domain"
	"github.com/warmfleet/coordinator/pkg/logger"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	return NewFactory(log).New(domain.NewNode("node-a", server.URL, 1))
}

func TestRequestHeaders(t *testing.T) {
	var captured http.Header
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.Write([]byte(`{"data":[]}`))
	}))

	_, err := client.ListModels(context.Background())
	require.NoError(t, err)

	assert.Equal(t, userAgent, captured.Get("User-Agent"))
	assert.Equal(t, "node-a", captured.Get("X-Warmfleet-Node"))
	assert.NotEmpty(t, captured.Get("X-Request-ID"))
}

func TestListModels(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"llama-3-70b","ready":true},{"id":"loading","ready":false},{"id":"legacy"}]}`))
	}))

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)

	assert.True(t, models[0].IsReady())
	assert.False(t, models[1].IsReady())
	// Nodes that omit the ready flag are assumed ready.
	assert.True(t, models[2].IsReady())
}

func TestListModelsErrorStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.ListModels(context.Background())
	assert.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cluster/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	latency, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency.Nanoseconds(), int64(0))
}

func TestCheckHealthFailure(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.CheckHealth(context.Background())
	assert.Error(t, err)
}

func TestFetchCacheState(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cluster/cache", r.URL.Path)
		w.Write([]byte(`{"prompt_hash":"h1","tools_hash":"t1","capacity_bytes":1024,"used_bytes":512,"hit_rate":0.75}`))
	}))

	state, err := client.FetchCacheState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h1", state.PromptHash)
	assert.Equal(t, "t1", state.ToolsHash)
	assert.Equal(t, int64(1024), state.CapacityBytes)
	assert.Equal(t, int64(512), state.UsedBytes)
	assert.Equal(t, 0.75, state.HitRate)
}

func TestWarmCache(t *testing.T) {
	var received WarmupRequest
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/cluster/cache/warm", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))

	warmup := WarmupRequest{
		Prompt:     "You are a helpful assistant.",
		Tools:      `[{"name":"search"}]`,
		PromptHash: "h1",
		ToolsHash:  "t1",
	}
	require.NoError(t, client.WarmCache(context.Background(), warmup))
	assert.Equal(t, warmup, received)
}

func TestWarmCacheErrorStatus(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))

	err := client.WarmCache(context.Background(), WarmupRequest{Prompt: "p", PromptHash: "h"})
	assert.Error(t, err)
}
