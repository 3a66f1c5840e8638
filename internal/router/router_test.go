package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"github.com/warmfleet/coordinator/internal/metrics"
	"github.com/warmfleet/coordinator/internal/registry"
	"github.com/warmfleet/coordinator/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func testRoutingConfig(strategy string) config.RoutingConfig {
	return config.RoutingConfig{
		Strategy:      strategy,
		StickySession: false,
		StickyTTL:     time.Minute,
		MaxRetries:    3,
	}
}

// healthyNode builds a node with a clean health record and reported capacity
// so scoring differences come only from what each test arranges.
func healthyNode(id string) *domain.Node {
	node := domain.NewNode(id, "http://"+id+":8000", 1)
	node.SetHealth(domain.HealthStatus{State: domain.StateHealthy, RollingSuccessRate: 1.0})
	node.SetCacheState(domain.NodeCacheState{CapacityBytes: 1 << 30})
	return node
}

func warmNode(node *domain.Node, promptHash, toolsHash string) {
	state := node.CacheState()
	state.PromptHash = promptHash
	state.ToolsHash = toolsHash
	node.SetCacheState(state)
}

func newTestRouter(t *testing.T, cfg config.RoutingConfig, nodes ...*domain.Node) *Router {
	t.Helper()
	reg := registry.New()
	for _, node := range nodes {
		reg.Add(node)
	}
	r, err := New(cfg, reg, metrics.New(), testLogger(t))
	require.NoError(t, err)
	return r
}

func TestCacheAffinityPrefersWarmNode(t *testing.T) {
	a, b, c := healthyNode("node-a"), healthyNode("node-b"), healthyNode("node-c")
	warmNode(b, "h1", "t1")
	r := newTestRouter(t, testRoutingConfig("cache_affinity"), a, b, c)

	decision, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "node-b", decision.NodeID)
	assert.Equal(t, domain.ReasonCacheHit, decision.Reason)
	assert.True(t, decision.CacheHit)
	require.NotNil(t, decision.Score)
	assert.Equal(t, 110.0, *decision.Score)
}

func TestCombinedMatchScoreDelta(t *testing.T) {
	warm, cold := healthyNode("node-a"), healthyNode("node-b")
	warmNode(warm, "h1", "t1")
	req := domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1"}

	s := &cacheAffinityStrategy{}
	assert.Equal(t, 70.0, s.score(warm, req)-s.score(cold, req))
}

func TestToolsBonusRequiresPromptMatch(t *testing.T) {
	node := healthyNode("node-a")
	warmNode(node, "other", "t1")

	s := &cacheAffinityStrategy{}
	baseline := s.score(healthyNode("node-b"), domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1"})
	assert.Equal(t, baseline, s.score(node, domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1"}))
}

func TestUnhealthyNeverSelected(t *testing.T) {
	a, b, c := healthyNode("node-a"), healthyNode("node-b"), healthyNode("node-c")
	warmNode(b, "h1", "t1")
	b.SetHealth(domain.HealthStatus{State: domain.StateUnhealthy})
	r := newTestRouter(t, testRoutingConfig("cache_affinity"), a, b, c)

	// The warm node is ineligible; its cache match must not matter.
	for i := 0; i < 25; i++ {
		decision, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1"})
		require.NoError(t, err)
		assert.NotEqual(t, "node-b", decision.NodeID)
	}
}

func TestUnhealthyNeverSelectedRandom(t *testing.T) {
	a, b := healthyNode("node-a"), healthyNode("node-b")
	b.SetHealth(domain.HealthStatus{State: domain.StateUnhealthy})
	r := newTestRouter(t, testRoutingConfig("random"), a, b)

	for i := 0; i < 100; i++ {
		decision, err := r.SelectNode(context.Background(), domain.RouteRequest{})
		require.NoError(t, err)
		assert.Equal(t, "node-a", decision.NodeID)
	}
}

func TestNoHealthyNodesError(t *testing.T) {
	a := healthyNode("node-a")
	a.SetHealth(domain.HealthStatus{State: domain.StateUnhealthy})
	r := newTestRouter(t, testRoutingConfig("cache_affinity"), a)

	decision, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1"})
	assert.Nil(t, decision)
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeNoHealthyNodes, lberrors.GetErrorCode(err))
}

func TestStickyOverridesStrategy(t *testing.T) {
	cfg := testRoutingConfig("cache_affinity")
	cfg.StickySession = true

	a, b := healthyNode("node-a"), healthyNode("node-b")
	warmNode(b, "h1", "t1")
	r := newTestRouter(t, cfg, a, b)

	first, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "node-b", first.NodeID)
	assert.Equal(t, 1, r.StickySessions())

	// Move the warm cache to the other node; the binding must still win.
	warmNode(b, "", "")
	warmNode(a, "h1", "t1")

	second, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", ToolsHash: "t1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-b", second.NodeID)
	assert.Equal(t, domain.ReasonSticky, second.Reason)
	assert.False(t, second.CacheHit)
}

func TestStickyRebindsWhenNodeIneligible(t *testing.T) {
	cfg := testRoutingConfig("cache_affinity")
	cfg.StickySession = true

	a, b := healthyNode("node-a"), healthyNode("node-b")
	warmNode(b, "h1", "")
	r := newTestRouter(t, cfg, a, b)

	first, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "node-b", first.NodeID)

	b.SetHealth(domain.HealthStatus{State: domain.StateUnhealthy})
	r.InvalidateNode("node-b")

	second, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-a", second.NodeID)
	assert.NotEqual(t, domain.ReasonSticky, second.Reason)
}

func TestStickyExpiry(t *testing.T) {
	cfg := testRoutingConfig("cache_affinity")
	cfg.StickySession = true
	cfg.StickyTTL = 10 * time.Millisecond

	a, b := healthyNode("node-a"), healthyNode("node-b")
	warmNode(b, "h1", "")
	r := newTestRouter(t, cfg, a, b)

	_, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", SessionID: "sess-1"})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	decision, err := r.SelectNode(context.Background(), domain.RouteRequest{PromptHash: "h1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.NotEqual(t, domain.ReasonSticky, decision.Reason)
}

func TestRoundRobinFairness(t *testing.T) {
	r := newTestRouter(t, testRoutingConfig("round_robin"),
		healthyNode("node-a"), healthyNode("node-b"), healthyNode("node-c"))

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		decision, err := r.SelectNode(context.Background(), domain.RouteRequest{})
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonRoundRobin, decision.Reason)
		counts[decision.NodeID]++
	}

	// 10 requests over 3 nodes: every node gets 3 or 4.
	require.Len(t, counts, 3)
	for id, count := range counts {
		assert.GreaterOrEqual(t, count, 3, "node %s under-selected", id)
		assert.LessOrEqual(t, count, 4, "node %s over-selected", id)
	}
}

func TestLeastConnections(t *testing.T) {
	a, b, c := healthyNode("node-a"), healthyNode("node-b"), healthyNode("node-c")
	a.IncrementInflight()
	a.IncrementInflight()
	b.IncrementInflight()
	r := newTestRouter(t, testRoutingConfig("least_connections"), a, b, c)

	decision, err := r.SelectNode(context.Background(), domain.RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-c", decision.NodeID)
	assert.Equal(t, domain.ReasonLeastConnections, decision.Reason)
}

func TestLeastConnectionsWeightTiebreak(t *testing.T) {
	a := healthyNode("node-a")
	b := healthyNode("node-b")
	b.Weight = 5
	r := newTestRouter(t, testRoutingConfig("least_connections"), a, b)

	decision, err := r.SelectNode(context.Background(), domain.RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-b", decision.NodeID)
}

func TestSelectBatchGroupsByPrefix(t *testing.T) {
	r := newTestRouter(t, testRoutingConfig("round_robin"),
		healthyNode("node-a"), healthyNode("node-b"))

	reqs := []domain.RouteRequest{
		{PromptHash: "h1"},
		{PromptHash: "h2"},
		{PromptHash: "h1"},
		{PromptHash: "h2"},
	}
	decisions, err := r.SelectBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, decisions, 4)

	// Requests sharing a prefix land on the same node; distinct prefixes
	// rotate across the fleet.
	assert.Equal(t, decisions[0].NodeID, decisions[2].NodeID)
	assert.Equal(t, decisions[1].NodeID, decisions[3].NodeID)
	assert.NotEqual(t, decisions[0].NodeID, decisions[1].NodeID)
}

func TestSelectBatchNoEligibleNodes(t *testing.T) {
	a := healthyNode("node-a")
	a.SetHealth(domain.HealthStatus{State: domain.StateUnhealthy})
	r := newTestRouter(t, testRoutingConfig("round_robin"), a)

	_, err := r.SelectBatch(context.Background(), []domain.RouteRequest{{PromptHash: "h1"}})
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeNoHealthyNodes, lberrors.GetErrorCode(err))
}

func TestUnsupportedStrategy(t *testing.T) {
	_, err := New(testRoutingConfig("weighted_magic"), registry.New(), metrics.New(), testLogger(t))
	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeConfigValidation, lberrors.GetErrorCode(err))
}
