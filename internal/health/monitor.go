// Package health implements the per-node circuit-breaker health model.
// Each node cycles through healthy, degraded, unhealthy and recovering
// states driven by periodic checks and real traffic outcomes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	"github.com/warmfleet/coordinator/internal/metrics"
	"github.com/warmfleet/coordinator/internal/nodeclient"
	"github.com/warmfleet/coordinator/pkg/logger"
)

// shutdownGrace bounds how long Stop waits for in-flight checks
const shutdownGrace = 2 * time.Second

// TransitionFunc is notified after a node changes health state
type TransitionFunc func(nodeID string, from, to domain.HealthState)

// Monitor polls every registered node and owns its health state machine
type Monitor struct {
	cfg     config.HealthConfig
	logger  *logger.Logger
	metrics *metrics.Metrics

	onTransition TransitionFunc

	mu       sync.Mutex
	trackers map[string]*tracker
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// tracker holds one node's state machine and rolling window
type tracker struct {
	node   *domain.Node
	client *nodeclient.Client

	mu              sync.Mutex
	state           domain.HealthState
	consecFailures  int
	consecSuccesses int
	window          *window
	lastChecked     time.Time
	openedAt        time.Time // entry into the unhealthy state, gates recovery probes

	stopCh chan struct{}
}

// NewMonitor creates a health monitor
func NewMonitor(cfg config.HealthConfig, log *logger.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		cfg:      cfg,
		logger:   log.HealthCheckLogger(),
		metrics:  m,
		trackers: make(map[string]*tracker),
		stopCh:   make(chan struct{}),
	}
}

// OnTransition registers the state change callback. Must be called before Start.
func (hm *Monitor) OnTransition(fn TransitionFunc) {
	hm.onTransition = fn
}

// AddNode registers a node for monitoring. Nodes are admitted healthy.
func (hm *Monitor) AddNode(ctx context.Context, node *domain.Node, client *nodeclient.Client) {
	t := &tracker{
		node:   node,
		client: client,
		state:  domain.StateHealthy,
		window: newWindow(hm.cfg.WindowSize),
		stopCh: make(chan struct{}),
	}
	node.SetHealth(t.snapshot())

	hm.mu.Lock()
	hm.trackers[node.ID] = t
	running := hm.running
	hm.mu.Unlock()

	if running {
		hm.wg.Add(1)
		go hm.pollLoop(ctx, t)
	}
}

// RemoveNode stops monitoring a node
func (hm *Monitor) RemoveNode(nodeID string) {
	hm.mu.Lock()
	t, exists := hm.trackers[nodeID]
	if exists {
		delete(hm.trackers, nodeID)
	}
	hm.mu.Unlock()

	if exists {
		close(t.stopCh)
	}
}

// Start begins polling all registered nodes
func (hm *Monitor) Start(ctx context.Context) {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = true
	trackers := make([]*tracker, 0, len(hm.trackers))
	for _, t := range hm.trackers {
		trackers = append(trackers, t)
	}
	hm.mu.Unlock()

	hm.logger.Infof("Starting health monitor with interval %v", hm.cfg.CheckInterval)
	for _, t := range trackers {
		hm.wg.Add(1)
		go hm.pollLoop(ctx, t)
	}
}

// Stop terminates all polling. In-flight checks get a short grace period
// and are then abandoned so shutdown returns in bounded time.
func (hm *Monitor) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	hm.mu.Unlock()

	close(hm.stopCh)

	done := make(chan struct{})
	go func() {
		hm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		hm.logger.Warn("Health monitor shutdown grace period elapsed, abandoning in-flight checks")
	}
}

// RecordSuccess feeds a real traffic success into the node's state machine.
// Safe to call concurrently for the same node.
func (hm *Monitor) RecordSuccess(nodeID string, latency time.Duration) {
	if t := hm.tracker(nodeID); t != nil {
		hm.recordOutcome(t, true, latency)
	}
}

// RecordFailure feeds a real traffic failure into the node's state machine.
// A burst of request failures can open the circuit between polls.
func (hm *Monitor) RecordFailure(nodeID string) {
	if t := hm.tracker(nodeID); t != nil {
		hm.recordOutcome(t, false, 0)
	}
}

// Status returns the current health snapshot of a node
func (hm *Monitor) Status(nodeID string) (domain.HealthStatus, bool) {
	t := hm.tracker(nodeID)
	if t == nil {
		return domain.HealthStatus{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

func (hm *Monitor) tracker(nodeID string) *tracker {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.trackers[nodeID]
}

// pollLoop runs the periodic check loop for one node. Checks for different
// nodes run concurrently with each other.
func (hm *Monitor) pollLoop(ctx context.Context, t *tracker) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.cfg.CheckInterval)
	defer ticker.Stop()

	log := hm.logger.NodeLogger(t.node.ID, t.node.URL)
	log.Debug("Starting health check loop")

	hm.check(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hm.stopCh:
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			hm.check(ctx, t)
		}
	}
}

// check performs one poll of the node's health endpoint. While the circuit
// is open and the backoff has not elapsed, no check is attempted.
func (hm *Monitor) check(ctx context.Context, t *tracker) {
	t.mu.Lock()
	if t.state == domain.StateUnhealthy && time.Since(t.openedAt) < hm.cfg.UnhealthyBackoff {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.cfg.Timeout)
	latency, err := t.client.CheckHealth(checkCtx)
	cancel()

	if err != nil {
		hm.logger.NodeLogger(t.node.ID, t.node.URL).WithError(err).Debug("Health check failed")
		hm.recordOutcome(t, false, 0)
		return
	}

	hm.metrics.ObserveCheckLatency(t.node.ID, latency.Seconds())
	hm.recordOutcome(t, true, latency)
}

// recordOutcome applies one outcome to the state machine and publishes the
// updated snapshot to the node record.
func (hm *Monitor) recordOutcome(t *tracker, ok bool, latency time.Duration) {
	t.mu.Lock()

	from := t.state
	t.window.add(ok, float64(latency.Milliseconds()))
	t.lastChecked = time.Now()

	if ok {
		t.consecFailures = 0
		switch t.state {
		case domain.StateHealthy:
			t.consecSuccesses++
		case domain.StateDegraded:
			t.state = domain.StateHealthy
			t.consecSuccesses = 1
		case domain.StateUnhealthy:
			// A success only counts as a recovery probe once the backoff
			// has elapsed; the probe itself does not count toward the
			// recovery threshold.
			if time.Since(t.openedAt) >= hm.cfg.UnhealthyBackoff {
				t.state = domain.StateRecovering
				t.consecSuccesses = 0
			}
		case domain.StateRecovering:
			t.consecSuccesses++
			if t.consecSuccesses >= hm.cfg.RecoveryThreshold {
				t.state = domain.StateHealthy
			}
		}
	} else {
		t.consecSuccesses = 0
		t.consecFailures++
		switch t.state {
		case domain.StateHealthy:
			t.state = domain.StateDegraded
		case domain.StateDegraded:
			if t.consecFailures >= hm.cfg.FailureThreshold {
				t.state = domain.StateUnhealthy
				t.openedAt = t.lastChecked
			}
		case domain.StateRecovering:
			// A single failure while recovering reopens the circuit.
			t.state = domain.StateUnhealthy
			t.openedAt = t.lastChecked
		case domain.StateUnhealthy:
		}
	}

	status := t.snapshot()
	to := t.state
	t.mu.Unlock()

	t.node.SetHealth(status)

	if from != to {
		hm.logger.NodeLogger(t.node.ID, t.node.URL).WithFields(map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		}).Info("Node health state changed")
		hm.metrics.RecordHealthTransition(t.node.ID, from, to)
		if hm.onTransition != nil {
			hm.onTransition(t.node.ID, from, to)
		}
	}
}

// snapshot builds a HealthStatus from the tracker. Caller holds t.mu.
func (t *tracker) snapshot() domain.HealthStatus {
	return domain.HealthStatus{
		State:                t.state,
		ConsecutiveFailures:  t.consecFailures,
		ConsecutiveSuccesses: t.consecSuccesses,
		RollingSuccessRate:   t.window.successRate(),
		AvgLatencyMs:         t.window.avgLatencyMs(),
		LastCheckedAt:        t.lastChecked,
	}
}
