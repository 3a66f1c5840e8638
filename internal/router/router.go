// Package router selects one eligible node per request, applying the
// configured strategy plus sticky-session overrides. It never selects an
// unhealthy node under any strategy.
package router

import (
	"context"

	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"github.com/warmfleet/coordinator/internal/metrics"
	"github.com/warmfleet/coordinator/internal/registry"
	"github.com/warmfleet/coordinator/pkg/logger"
)

// Router routes requests over the eligible node set
type Router struct {
	cfg      config.RoutingConfig
	registry *registry.Registry
	strategy Strategy
	sticky   *stickyStore
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// New creates a router with the configured strategy
func New(cfg config.RoutingConfig, reg *registry.Registry, m *metrics.Metrics, log *logger.Logger) (*Router, error) {
	strategy, err := NewStrategy(domain.Strategy(cfg.Strategy))
	if err != nil {
		return nil, err
	}

	return &Router{
		cfg:      cfg,
		registry: reg,
		strategy: strategy,
		sticky:   newStickyStore(cfg.StickyTTL),
		metrics:  m,
		logger:   log.RouterLogger(),
	}, nil
}

// SelectNode picks one eligible node for the request. It reads a
// point-in-time snapshot of the registry and never blocks on background
// cycles. An empty eligible set yields a typed no-healthy-nodes error.
func (r *Router) SelectNode(ctx context.Context, req domain.RouteRequest) (*domain.RoutingDecision, error) {
	eligible := r.registry.EligibleSnapshot()
	if len(eligible) == 0 {
		return nil, lberrors.NewNoHealthyNodesError()
	}

	// A live, still-eligible sticky binding short-circuits scoring to
	// preserve conversational cache locality.
	if r.cfg.StickySession && req.SessionID != "" {
		if nodeID, ok := r.sticky.Get(req.SessionID); ok {
			if node := findByID(eligible, nodeID); node != nil {
				r.sticky.Bind(req.SessionID, nodeID)
				decision := &domain.RoutingDecision{
					NodeID:   nodeID,
					Reason:   domain.ReasonSticky,
					CacheHit: req.PromptHash != "" && node.CacheState().PromptHash == req.PromptHash,
				}
				r.metrics.RecordSelection(decision.Reason, decision.CacheHit)
				return decision, nil
			}
			// The bound node is gone or ineligible; rebind below.
		}
	}

	node, reason, score, err := r.strategy.Select(ctx, eligible, req)
	if err != nil {
		return nil, err
	}

	if r.cfg.StickySession && req.SessionID != "" {
		r.sticky.Bind(req.SessionID, node.ID)
	}

	decision := &domain.RoutingDecision{
		NodeID:   node.ID,
		Reason:   reason,
		Score:    score,
		CacheHit: reason == domain.ReasonCacheHit,
	}
	r.metrics.RecordSelection(decision.Reason, decision.CacheHit)

	r.logger.WithFields(map[string]interface{}{
		"node_id": decision.NodeID,
		"reason":  string(decision.Reason),
	}).Debug("Routing decision")

	return decision, nil
}

// SelectBatch routes a list of pending requests, grouping them by prefix
// identity first so requests sharing a prefix are not scattered. The result
// slice is aligned with the input.
func (r *Router) SelectBatch(ctx context.Context, reqs []domain.RouteRequest) ([]*domain.RoutingDecision, error) {
	eligible := r.registry.EligibleSnapshot()
	if len(eligible) == 0 {
		return nil, lberrors.NewNoHealthyNodesError()
	}

	type group struct {
		decision *domain.RoutingDecision
	}
	groups := make(map[domain.CacheKey]*group)
	decisions := make([]*domain.RoutingDecision, len(reqs))

	for i, req := range reqs {
		key := domain.CacheKey{PromptHash: req.PromptHash, ToolsHash: req.ToolsHash}
		g, exists := groups[key]
		if !exists {
			node, reason, score, err := r.strategy.Select(ctx, eligible, req)
			if err != nil {
				return nil, err
			}
			g = &group{decision: &domain.RoutingDecision{
				NodeID:   node.ID,
				Reason:   reason,
				Score:    score,
				CacheHit: reason == domain.ReasonCacheHit,
			}}
			groups[key] = g
			r.metrics.RecordSelection(g.decision.Reason, g.decision.CacheHit)
		}
		decisions[i] = g.decision
	}

	return decisions, nil
}

// InvalidateNode drops all sticky bindings to a node. Called the moment the
// node's health state leaves the eligible set, and on node removal.
func (r *Router) InvalidateNode(nodeID string) {
	r.sticky.InvalidateNode(nodeID)
}

// StrategyName returns the active strategy
func (r *Router) StrategyName() domain.Strategy {
	return r.strategy.Name()
}

// StickySessions returns the number of live sticky bindings
func (r *Router) StickySessions() int {
	return r.sticky.Len()
}

// findByID returns the node with the given id, or nil
func findByID(nodes []*domain.Node, id string) *domain.Node {
	for _, node := range nodes {
		if node.ID == id {
			return node
		}
	}
	return nil
}
