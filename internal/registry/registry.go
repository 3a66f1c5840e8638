// Package registry holds the coordinator's authoritative in-memory set of
// registered nodes. Discovery creates and removes records; everything else
// reads point-in-time snapshots.
package registry

import (
	"sort"
	"sync"

	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
)

// Registry is a thread-safe in-memory node registry
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*domain.Node
}

// New creates an empty node registry
func New() *Registry {
	return &Registry{
		nodes: make(map[string]*domain.Node),
	}
}

// Add registers a node. Adding an already-registered id is a no-op so that
// repeated discovery confirmations never reset runtime state.
func (r *Registry) Add(node *domain.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		return false
	}
	r.nodes[node.ID] = node
	return true
}

// Remove deletes a node by id and reports whether it was present
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return false
	}
	delete(r.nodes, id)
	return true
}

// Get returns a node by its id
func (r *Registry) Get(id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[id]
	if !exists {
		return nil, lberrors.NewNodeNotFoundError(id)
	}
	return node, nil
}

// Has reports whether a node id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.nodes[id]
	return exists
}

// Snapshot returns all registered nodes sorted by id
func (r *Registry) Snapshot() []*domain.Node {
	r.mu.RLock()
	nodes := make([]*domain.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// EligibleSnapshot returns the nodes whose health state permits routing,
// sorted by id for deterministic tie-breaking
func (r *Registry) EligibleSnapshot() []*domain.Node {
	all := r.Snapshot()
	eligible := make([]*domain.Node, 0, len(all))
	for _, node := range all {
		if node.IsEligible() {
			eligible = append(eligible, node)
		}
	}
	return eligible
}

// Len returns the number of registered nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// IDs returns the sorted ids of all registered nodes
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
