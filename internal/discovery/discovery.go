// Package discovery resolves and re-validates the set of candidate nodes.
// The static method reads a fixed node list from configuration; each
// candidate is admitted only after answering its model-listing endpoint
// within a bounded timeout with at least one ready model.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"github.com/warmfleet/coordinator/internal/nodeclient"
	"github.com/warmfleet/coordinator/pkg/logger"
)

// EventType identifies a discovery event
type EventType int

const (
	// EventNodeAdded is emitted when a candidate passes validation for the first time
	EventNodeAdded EventType = iota
	// EventNodeRemoved is emitted when a node is determined to be permanently gone
	EventNodeRemoved
	// EventError is emitted for per-candidate validation failures
	EventError
)

// Event is a discovery notification consumed by the cluster manager
type Event struct {
	Type   EventType
	Node   *domain.Node
	NodeID string
	Err    error
}

// removalThreshold is the number of consecutive failed refresh validations
// after which a known node is considered permanently gone rather than merely
// unhealthy. Transient flapping is the health monitor's concern.
const removalThreshold = 3

// Discovery validates the configured candidate set and keeps it current
type Discovery struct {
	cfg     config.DiscoveryConfig
	factory *nodeclient.Factory
	logger  *logger.Logger

	mu     sync.Mutex
	known  map[string]*domain.Node
	misses map[string]int

	events  chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a discovery instance for the configured static node list
func New(cfg config.DiscoveryConfig, factory *nodeclient.Factory, log *logger.Logger) *Discovery {
	return &Discovery{
		cfg:     cfg,
		factory: factory,
		logger:  log.DiscoveryLogger(),
		known:   make(map[string]*domain.Node),
		misses:  make(map[string]int),
		events:  make(chan Event, 64),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel carrying add/remove/error notifications.
// Delivery is at-least-once: the channel is bounded and refresh blocks
// rather than drops when the consumer lags.
func (d *Discovery) Events() <-chan Event {
	return d.events
}

// Resolve performs the initial resolution of the candidate set. Per-candidate
// failures are logged and skipped; only an empty result is an error.
func (d *Discovery) Resolve(ctx context.Context) ([]*domain.Node, error) {
	nodes, errs := d.validateAll(ctx)

	for id, err := range errs {
		d.logger.WithError(err).Warnf("Candidate %s failed initial validation", id)
	}

	if len(nodes) == 0 {
		return nil, lberrors.NewDiscoveryExhaustedError()
	}

	d.mu.Lock()
	for _, node := range nodes {
		d.known[node.ID] = node
	}
	d.mu.Unlock()

	d.logger.Infof("Discovery resolved %d of %d candidate nodes", len(nodes), len(d.cfg.StaticNodes))
	return nodes, nil
}

// Start begins the periodic refresh loop
func (d *Discovery) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.refreshLoop(ctx)
}

// Stop terminates the refresh loop
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

// refreshLoop re-validates membership on a fixed interval
func (d *Discovery) refreshLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Refresh(ctx)
		}
	}
}

// Refresh re-validates all candidates once, diffs the result against the
// known set, and emits add/remove/error events.
func (d *Discovery) Refresh(ctx context.Context) (added, removed []string) {
	validated, errs := d.validateAll(ctx)

	valid := make(map[string]*domain.Node, len(validated))
	for _, node := range validated {
		valid[node.ID] = node
	}

	d.mu.Lock()
	var events []Event

	for id, node := range valid {
		d.misses[id] = 0
		if _, exists := d.known[id]; !exists {
			d.known[id] = node
			added = append(added, id)
			events = append(events, Event{Type: EventNodeAdded, Node: node})
		}
	}

	for id, err := range errs {
		events = append(events, Event{Type: EventError, NodeID: id, Err: err})
		if _, exists := d.known[id]; !exists {
			continue
		}
		d.misses[id]++
		if d.misses[id] >= removalThreshold {
			delete(d.known, id)
			delete(d.misses, id)
			removed = append(removed, id)
			events = append(events, Event{Type: EventNodeRemoved, NodeID: id})
		}
	}
	d.mu.Unlock()

	for _, ev := range events {
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return added, removed
		case <-d.stopCh:
			return added, removed
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		d.logger.WithFields(map[string]interface{}{
			"added":   added,
			"removed": removed,
		}).Info("Discovery membership changed")
	}
	return added, removed
}

// validateAll validates every configured candidate concurrently
func (d *Discovery) validateAll(ctx context.Context) ([]*domain.Node, map[string]error) {
	var (
		mu    sync.Mutex
		nodes []*domain.Node
		errs  = make(map[string]error)
		wg    sync.WaitGroup
	)

	for _, candidate := range d.cfg.StaticNodes {
		wg.Add(1)
		go func(candidate config.StaticNodeConfig) {
			defer wg.Done()

			node, err := d.validate(ctx, candidate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[candidate.ID] = lberrors.NewDiscoveryUnreachableError(candidate.ID, err)
				return
			}
			nodes = append(nodes, node)
		}(candidate)
	}
	wg.Wait()

	return nodes, errs
}

// validate admits a candidate if its model listing answers within the
// configured timeout and contains at least one ready model
func (d *Discovery) validate(ctx context.Context, candidate config.StaticNodeConfig) (*domain.Node, error) {
	node := domain.NewNode(candidate.ID, candidate.URL, candidate.Weight)
	node.Tags = candidate.Tags

	checkCtx, cancel := context.WithTimeout(ctx, d.cfg.ValidateTimeout)
	defer cancel()

	models, err := d.factory.New(node).ListModels(checkCtx)
	if err != nil {
		return nil, err
	}

	ready := 0
	for _, model := range models {
		if model.IsReady() {
			ready++
		}
	}
	if ready == 0 {
		return nil, lberrors.NewError(
			lberrors.ErrCodeDiscoveryUnreachable,
			"discovery",
			"node reports no ready models",
		)
	}

	return node, nil
}
