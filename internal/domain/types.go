package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthState represents the circuit-breaker state of a node
type HealthState int

const (
	// StateHealthy indicates the node is passing checks and fully eligible
	StateHealthy HealthState = iota
	// StateDegraded indicates the node failed a recent check but remains eligible
	StateDegraded
	// StateUnhealthy indicates the circuit is open and the node receives no traffic
	StateUnhealthy
	// StateRecovering indicates the node passed a probe and is tentatively eligible
	StateRecovering
)

// String returns the string representation of HealthState
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Eligible returns true if a node in this state may receive routed traffic
func (s HealthState) Eligible() bool {
	return s != StateUnhealthy
}

// HealthStatus is the health snapshot of a node, owned by the health monitor
type HealthStatus struct {
	State                HealthState `json:"state"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	RollingSuccessRate   float64     `json:"rolling_success_rate"`
	AvgLatencyMs         float64     `json:"avg_latency_ms"`
	LastCheckedAt        time.Time   `json:"last_checked_at"`
}

// NodeCacheState is a node's self-reported prefix cache state, owned by the
// cache coordinator and refreshed on every sync cycle
type NodeCacheState struct {
	PromptHash    string    `json:"prompt_hash"`
	ToolsHash     string    `json:"tools_hash"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	HitRate       float64   `json:"hit_rate"`
	LastWarmedAt  time.Time `json:"last_warmed_at"`
}

// CacheKey identifies a warm prompt prefix across the cluster
type CacheKey struct {
	PromptHash string `json:"prompt_hash"`
	ToolsHash  string `json:"tools_hash"`
}

// Node represents an inference-serving node with its configuration and runtime state
type Node struct {
	ID     string   `json:"id" yaml:"id"`
	URL    string   `json:"url" yaml:"url"`
	Weight int      `json:"weight" yaml:"weight"`
	Tags   []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Runtime counters - thread-safe using atomic operations
	inflight      int64
	totalRequests int64
	lastUsedAt    int64 // unix nanoseconds

	// Facets owned by the health monitor and cache coordinator
	mu     sync.RWMutex
	health HealthStatus
	cache  NodeCacheState
}

// NewNode creates a new Node instance with default values
func NewNode(id, url string, weight int) *Node {
	return &Node{
		ID:     id,
		URL:    url,
		Weight: weight,
		health: HealthStatus{State: StateHealthy},
	}
}

// IncrementInflight atomically increments the in-flight request count
func (n *Node) IncrementInflight() {
	atomic.AddInt64(&n.inflight, 1)
	atomic.AddInt64(&n.totalRequests, 1)
}

// DecrementInflight atomically decrements the in-flight request count
func (n *Node) DecrementInflight() {
	atomic.AddInt64(&n.inflight, -1)
}

// Inflight returns the current number of in-flight requests
func (n *Node) Inflight() int64 {
	return atomic.LoadInt64(&n.inflight)
}

// TotalRequests returns the total number of requests routed to this node
func (n *Node) TotalRequests() int64 {
	return atomic.LoadInt64(&n.totalRequests)
}

// MarkUsed records that the node served traffic now
func (n *Node) MarkUsed() {
	atomic.StoreInt64(&n.lastUsedAt, time.Now().UnixNano())
}

// UsedWithin returns true if the node served traffic within d of now
func (n *Node) UsedWithin(d time.Duration) bool {
	last := atomic.LoadInt64(&n.lastUsedAt)
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= d
}

// SetHealth replaces the node's health snapshot
func (n *Node) SetHealth(status HealthStatus) {
	n.mu.Lock()
	n.health = status
	n.mu.Unlock()
}

// Health returns the node's current health snapshot
func (n *Node) Health() HealthStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// SetCacheState replaces the node's cache state snapshot
func (n *Node) SetCacheState(state NodeCacheState) {
	n.mu.Lock()
	n.cache = state
	n.mu.Unlock()
}

// CacheState returns the node's current cache state snapshot
func (n *Node) CacheState() NodeCacheState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cache
}

// IsEligible returns true if the node's health state permits routing
func (n *Node) IsEligible() bool {
	return n.Health().State.Eligible()
}

// Strategy identifies a routing strategy
type Strategy string

const (
	// StrategyCacheAffinity scores nodes by cache match, health and availability
	StrategyCacheAffinity Strategy = "cache_affinity"
	// StrategyRoundRobin rotates evenly across the eligible set
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastConnections routes to the node with fewest in-flight requests
	StrategyLeastConnections Strategy = "least_connections"
	// StrategyRandom picks uniformly, for testing and chaos use
	StrategyRandom Strategy = "random"
)

// RouteReason explains why a routing decision picked its node
type RouteReason string

const (
	ReasonCacheHit         RouteReason = "cache_hit"
	ReasonSticky           RouteReason = "sticky"
	ReasonFallback         RouteReason = "fallback"
	ReasonRoundRobin       RouteReason = "round_robin"
	ReasonLeastConnections RouteReason = "least_connections"
	ReasonRandom           RouteReason = "random"
)

// RoutingDecision is the outcome of a single node selection. It is produced
// fresh per call and not persisted beyond logging and metrics.
type RoutingDecision struct {
	NodeID   string      `json:"node_id"`
	Reason   RouteReason `json:"reason"`
	Score    *float64    `json:"score,omitempty"`
	CacheHit bool        `json:"cache_hit"`
}

// RouteRequest carries the inputs of a routing decision
type RouteRequest struct {
	PromptHash string
	ToolsHash  string
	SessionID  string
}

// NodeSummary is a read-only per-node view used in cluster status reports
type NodeSummary struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Weight        int            `json:"weight"`
	Health        HealthStatus   `json:"health"`
	Cache         NodeCacheState `json:"cache"`
	Inflight      int64          `json:"inflight"`
	TotalRequests int64          `json:"total_requests"`
}

// Summary builds a point-in-time summary of the node
func (n *Node) Summary() NodeSummary {
	return NodeSummary{
		ID:            n.ID,
		URL:           n.URL,
		Weight:        n.Weight,
		Health:        n.Health(),
		Cache:         n.CacheState(),
		Inflight:      n.Inflight(),
		TotalRequests: n.TotalRequests(),
	}
}

// ClusterStatus aggregates the coordinator's view of the fleet
type ClusterStatus struct {
	NodeCount     int           `json:"node_count"`
	HealthyCount  int           `json:"healthy_count"`
	EligibleCount int           `json:"eligible_count"`
	Nodes         []NodeSummary `json:"nodes"`
	SuccessRate   float64       `json:"success_rate"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}
