// Package manager orchestrates discovery, health monitoring, routing and
// cache coordination behind a single cluster manager instance.
package manager

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warmfleet/coordinator/internal/cache"
	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/discovery"
	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"github.com/warmfleet/coordinator/internal/health"
	"github.com/warmfleet/coordinator/internal/metrics"
	"github.com/warmfleet/coordinator/internal/nodeclient"
	"github.com/warmfleet/coordinator/internal/registry"
	"github.com/warmfleet/coordinator/internal/router"
	"github.com/warmfleet/coordinator/pkg/logger"
)

// shutdownGrace bounds how long Shutdown waits for background loops
const shutdownGrace = 5 * time.Second

var (
	instMu   sync.RWMutex
	instance *Manager
)

// Initialize constructs the process-wide cluster manager. It must be called
// exactly once before Get; a second call is an error.
func Initialize(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	instMu.Lock()
	defer instMu.Unlock()

	if instance != nil {
		return nil, lberrors.NewError(
			lberrors.ErrCodeAlreadyInitialized,
			"cluster_manager",
			"Cluster manager is already initialized",
		)
	}

	m, err := newManager(cfg, log)
	if err != nil {
		return nil, err
	}
	instance = m
	return m, nil
}

// Get returns the initialized cluster manager. Accessing it before
// Initialize is a programming error surfaced immediately.
func Get() (*Manager, error) {
	instMu.RLock()
	defer instMu.RUnlock()

	if instance == nil {
		return nil, lberrors.NewNotInitializedError()
	}
	return instance, nil
}

// reset tears down the process-wide instance so Initialize can run again
func reset() {
	instMu.Lock()
	defer instMu.Unlock()

	if instance != nil {
		instance.Shutdown()
		instance = nil
	}
}

// Manager owns all component lifecycles and is the sole public entry point
// for the request-handling collaborator.
type Manager struct {
	cfg     *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	registry  *registry.Registry
	factory   *nodeclient.Factory
	discovery *discovery.Discovery
	monitor   *health.Monitor
	router    *router.Router
	cache     *cache.Coordinator

	clientsMu sync.RWMutex
	clients   map[string]*nodeclient.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt    time.Time
	shutdownOnce sync.Once

	// Cluster-wide rolling totals for status reporting
	successes     int64
	failures      int64
	selections    int64
	selectionHits int64
}

// newManager runs the initialization sequence: validate configuration,
// resolve the fleet, build per-node clients, start health polling, warm
// caches, then start the periodic sync and refresh loops.
func newManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		logger:    log.ManagerLogger(),
		metrics:   metrics.New(),
		registry:  registry.New(),
		factory:   nodeclient.NewFactory(log),
		clients:   make(map[string]*nodeclient.Client),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	m.discovery = discovery.New(cfg.Discovery, m.factory, log)

	// Initial resolution: recoverable per-node failures are absorbed, but an
	// empty fleet is a startup error.
	nodes, err := m.discovery.Resolve(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	m.monitor = health.NewMonitor(cfg.Health, log, m.metrics)
	m.cache = cache.New(cfg.Cache, m.clientFor, log, m.metrics)

	m.router, err = router.New(cfg.Routing, m.registry, m.metrics, log)
	if err != nil {
		cancel()
		return nil, err
	}

	// The router must drop sticky bindings the moment a node's circuit opens.
	m.monitor.OnTransition(func(nodeID string, from, to domain.HealthState) {
		if !to.Eligible() {
			m.router.InvalidateNode(nodeID)
		}
	})

	for _, node := range nodes {
		m.admitNode(node)
		m.monitor.AddNode(ctx, node, m.clientFor(node.ID))
	}

	m.monitor.Start(ctx)

	if cfg.Cache.SystemPromptWarmup && cfg.Cache.SystemPrompt != "" {
		// Warmup failures are per-node and never delay readiness.
		m.cache.WarmUp(ctx, nodes, cfg.Cache.SystemPrompt, cfg.Cache.Tools)
	}

	m.cache.Start(ctx, m.registry.Snapshot)
	m.discovery.Start(ctx)

	m.wg.Add(1)
	go m.eventLoop()

	m.logger.Infof("Cluster manager initialized with %d nodes", len(nodes))
	return m, nil
}

// eventLoop consumes discovery notifications and wires membership changes
// into the health monitor, cache coordinator and router
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.discovery.Events():
			switch ev.Type {
			case discovery.EventNodeAdded:
				m.admitNode(ev.Node)
				m.monitor.AddNode(m.ctx, ev.Node, m.clientFor(ev.Node.ID))
				if m.cfg.Cache.WarmupOnDiscovery && m.cfg.Cache.SystemPrompt != "" {
					go m.cache.WarmUp(m.ctx, []*domain.Node{ev.Node}, m.cfg.Cache.SystemPrompt, m.cfg.Cache.Tools)
				}
			case discovery.EventNodeRemoved:
				m.removeNode(ev.NodeID)
			case discovery.EventError:
				m.logger.WithError(ev.Err).Debugf("Discovery reported unreachable candidate %s", ev.NodeID)
			}
		}
	}
}

// admitNode registers a node and builds its request client
func (m *Manager) admitNode(node *domain.Node) {
	if !m.registry.Add(node) {
		return
	}

	client := m.factory.New(node)
	m.clientsMu.Lock()
	m.clients[node.ID] = client
	m.clientsMu.Unlock()
}

// removeNode unwires a permanently gone node from every component
func (m *Manager) removeNode(nodeID string) {
	if !m.registry.Remove(nodeID) {
		return
	}

	m.monitor.RemoveNode(nodeID)
	m.cache.PruneNode(nodeID)
	m.router.InvalidateNode(nodeID)

	m.clientsMu.Lock()
	delete(m.clients, nodeID)
	m.clientsMu.Unlock()

	m.logger.Infof("Node %s removed from cluster", nodeID)
}

// clientFor returns the pre-built request client for a node, or nil
func (m *Manager) clientFor(nodeID string) *nodeclient.Client {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return m.clients[nodeID]
}

// SelectNode picks the node best able to serve the given prefix, returning
// the routing decision and the node's request client.
func (m *Manager) SelectNode(ctx context.Context, promptHash, toolsHash, sessionID string) (*domain.RoutingDecision, *nodeclient.Client, error) {
	decision, err := m.router.SelectNode(ctx, domain.RouteRequest{
		PromptHash: promptHash,
		ToolsHash:  toolsHash,
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, nil, err
	}

	node, err := m.registry.Get(decision.NodeID)
	if err != nil {
		// The node vanished between snapshot and lookup; the caller retries.
		return nil, nil, err
	}

	node.IncrementInflight()
	node.MarkUsed()

	atomic.AddInt64(&m.selections, 1)
	if decision.CacheHit {
		atomic.AddInt64(&m.selectionHits, 1)
	}

	return decision, m.clientFor(decision.NodeID), nil
}

// SelectBatch routes a list of pending requests grouped by prefix identity
func (m *Manager) SelectBatch(ctx context.Context, reqs []domain.RouteRequest) ([]*domain.RoutingDecision, error) {
	return m.router.SelectBatch(ctx, reqs)
}

// GetNodeClient returns the pre-built request client for a node
func (m *Manager) GetNodeClient(nodeID string) (*nodeclient.Client, error) {
	if client := m.clientFor(nodeID); client != nil {
		return client, nil
	}
	return nil, lberrors.NewNodeNotFoundError(nodeID)
}

// RecordSuccess reports a real traffic success for a node. Safe for
// concurrent in-flight requests against the same node.
func (m *Manager) RecordSuccess(nodeID string, latency time.Duration) error {
	node, err := m.registry.Get(nodeID)
	if err != nil {
		return err
	}

	node.DecrementInflight()
	atomic.AddInt64(&m.successes, 1)
	m.metrics.RecordOutcome(nodeID, true)
	m.monitor.RecordSuccess(nodeID, latency)
	return nil
}

// RecordFailure reports a real traffic failure for a node. A burst of these
// can open the node's circuit faster than the poll interval alone.
func (m *Manager) RecordFailure(nodeID string) error {
	node, err := m.registry.Get(nodeID)
	if err != nil {
		return err
	}

	node.DecrementInflight()
	atomic.AddInt64(&m.failures, 1)
	m.metrics.RecordOutcome(nodeID, false)
	m.monitor.RecordFailure(nodeID)
	return nil
}

// RegistryLookup returns the nodes known to hold a prefix warm
func (m *Manager) RegistryLookup(key domain.CacheKey) []string {
	return m.cache.RegistryLookup(key)
}

// CacheEntries returns the cluster-wide cache registry view
func (m *Manager) CacheEntries() map[domain.CacheKey][]string {
	return m.cache.Entries()
}

// MetricsHandler exposes the Prometheus collectors
func (m *Manager) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

// GetStatus returns an aggregated snapshot for observability
func (m *Manager) GetStatus() domain.ClusterStatus {
	nodes := m.registry.Snapshot()

	status := domain.ClusterStatus{
		NodeCount:     len(nodes),
		Nodes:         make([]domain.NodeSummary, 0, len(nodes)),
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}

	for _, node := range nodes {
		summary := node.Summary()
		if summary.Health.State == domain.StateHealthy {
			status.HealthyCount++
		}
		if summary.Health.State.Eligible() {
			status.EligibleCount++
		}
		status.Nodes = append(status.Nodes, summary)
	}

	successes := atomic.LoadInt64(&m.successes)
	failures := atomic.LoadInt64(&m.failures)
	if total := successes + failures; total > 0 {
		status.SuccessRate = float64(successes) / float64(total)
	} else {
		status.SuccessRate = 1.0
	}

	if selections := atomic.LoadInt64(&m.selections); selections > 0 {
		status.CacheHitRate = float64(atomic.LoadInt64(&m.selectionHits)) / float64(selections)
	}

	return status
}

// Shutdown stops all background activity and releases resources. It is
// idempotent and returns in bounded time regardless of node responsiveness.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Info("Cluster manager shutting down")

		m.discovery.Stop()
		m.monitor.Stop()
		m.cache.Stop()
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			m.logger.Warn("Shutdown grace period elapsed, abandoning background tasks")
		}

		m.logger.Info("Cluster manager stopped")
	})
}
