package router

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
)

// Cache-affinity scoring terms
const (
	scorePromptMatch        = 50.0
	scoreToolsMatch         = 20.0
	scoreSuccessRateWeight  = 25.0
	scoreAvailabilityWeight = 15.0
	scoreRecencyBonus       = 10.0

	// recencyWindow is how recently a node must have served traffic to earn
	// the warm-compute bonus
	recencyWindow = 60 * time.Second
)

// Strategy selects one node from the eligible set. The eligibility filter
// has already been applied; a strategy never sees an unhealthy node.
type Strategy interface {
	Select(ctx context.Context, eligible []*domain.Node, req domain.RouteRequest) (*domain.Node, domain.RouteReason, *float64, error)
	Name() domain.Strategy
}

// NewStrategy creates the strategy selected by configuration. The strategy
// set is fixed at startup; there is no dynamic registration.
func NewStrategy(kind domain.Strategy) (Strategy, error) {
	switch kind {
	case domain.StrategyCacheAffinity:
		return &cacheAffinityStrategy{}, nil
	case domain.StrategyRoundRobin:
		return &roundRobinStrategy{}, nil
	case domain.StrategyLeastConnections:
		return &leastConnectionsStrategy{}, nil
	case domain.StrategyRandom:
		return &randomStrategy{}, nil
	default:
		return nil, lberrors.NewConfigValidationError("unsupported routing strategy: " + string(kind))
	}
}

// cacheAffinityStrategy scores each eligible node additively by cache match,
// rolling success rate, cache availability and compute recency
type cacheAffinityStrategy struct{}

func (s *cacheAffinityStrategy) Select(ctx context.Context, eligible []*domain.Node, req domain.RouteRequest) (*domain.Node, domain.RouteReason, *float64, error) {
	if len(eligible) == 0 {
		return nil, "", nil, lberrors.NewNoHealthyNodesError()
	}

	var selected *domain.Node
	var best float64

	// eligible arrives sorted by id, so keeping the first node on a full tie
	// breaks ties by lowest id for determinism.
	for _, node := range eligible {
		score := s.score(node, req)
		if selected == nil || score > best ||
			(score == best && node.Inflight() < selected.Inflight()) {
			selected = node
			best = score
		}
	}

	promptMatch := req.PromptHash != "" && selected.CacheState().PromptHash == req.PromptHash
	reason := domain.ReasonFallback
	if promptMatch {
		reason = domain.ReasonCacheHit
	}
	return selected, reason, &best, nil
}

// score computes the additive affinity score for one node
func (s *cacheAffinityStrategy) score(node *domain.Node, req domain.RouteRequest) float64 {
	var score float64

	cacheState := node.CacheState()
	if req.PromptHash != "" && cacheState.PromptHash == req.PromptHash {
		score += scorePromptMatch
		// The tools bonus only applies on top of a prompt match.
		if cacheState.ToolsHash == req.ToolsHash {
			score += scoreToolsMatch
		}
	}

	score += scoreSuccessRateWeight * node.Health().RollingSuccessRate

	// Nodes that have not reported capacity yet are treated as unloaded.
	availability := 1.0
	if cacheState.CapacityBytes > 0 {
		availability = 1.0 - float64(cacheState.UsedBytes)/float64(cacheState.CapacityBytes)
		if availability < 0 {
			availability = 0
		} else if availability > 1 {
			availability = 1
		}
	}
	score += scoreAvailabilityWeight * availability

	if node.UsedWithin(recencyWindow) {
		score += scoreRecencyBonus
	}

	return score
}

func (s *cacheAffinityStrategy) Name() domain.Strategy {
	return domain.StrategyCacheAffinity
}

// roundRobinStrategy rotates evenly across the eligible set, independent of
// cache state
type roundRobinStrategy struct {
	index uint64
}

func (s *roundRobinStrategy) Select(ctx context.Context, eligible []*domain.Node, req domain.RouteRequest) (*domain.Node, domain.RouteReason, *float64, error) {
	if len(eligible) == 0 {
		return nil, "", nil, lberrors.NewNoHealthyNodesError()
	}

	next := atomic.AddUint64(&s.index, 1)
	return eligible[(next-1)%uint64(len(eligible))], domain.ReasonRoundRobin, nil, nil
}

func (s *roundRobinStrategy) Name() domain.Strategy {
	return domain.StrategyRoundRobin
}

// leastConnectionsStrategy routes to the node with fewest in-flight requests
type leastConnectionsStrategy struct{}

func (s *leastConnectionsStrategy) Select(ctx context.Context, eligible []*domain.Node, req domain.RouteRequest) (*domain.Node, domain.RouteReason, *float64, error) {
	if len(eligible) == 0 {
		return nil, "", nil, lberrors.NewNoHealthyNodesError()
	}

	selected := eligible[0]
	for _, node := range eligible[1:] {
		switch {
		case node.Inflight() < selected.Inflight():
			selected = node
		case node.Inflight() == selected.Inflight() && node.Weight > selected.Weight:
			selected = node
		}
	}
	return selected, domain.ReasonLeastConnections, nil, nil
}

func (s *leastConnectionsStrategy) Name() domain.Strategy {
	return domain.StrategyLeastConnections
}

// randomStrategy picks uniformly from the eligible set, for testing and
// chaos use
type randomStrategy struct{}

func (s *randomStrategy) Select(ctx context.Context, eligible []*domain.Node, req domain.RouteRequest) (*domain.Node, domain.RouteReason, *float64, error) {
	if len(eligible) == 0 {
		return nil, "", nil, lberrors.NewNoHealthyNodesError()
	}
	return eligible[rand.Intn(len(eligible))], domain.ReasonRandom, nil, nil
}

func (s *randomStrategy) Name() domain.Strategy {
	return domain.StrategyRandom
}
