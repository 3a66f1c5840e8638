package router

import (
	"sync"
	"time"
)

// binding ties a session to a node until it expires or the node becomes
// ineligible
type binding struct {
	nodeID    string
	expiresAt time.Time
}

// stickyStore holds session-to-node bindings. Bindings expire after the TTL
// of inactivity and are actively invalidated when their node's health state
// leaves the eligible set.
type stickyStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	bindings map[string]binding
}

func newStickyStore(ttl time.Duration) *stickyStore {
	return &stickyStore{
		ttl:      ttl,
		bindings: make(map[string]binding),
	}
}

// Get returns the bound node id for a session. Expired bindings are removed
// lazily on access.
func (s *stickyStore) Get(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.bindings[sessionID]
	if !exists {
		return "", false
	}
	if time.Now().After(b.expiresAt) {
		delete(s.bindings, sessionID)
		return "", false
	}
	return b.nodeID, true
}

// Bind creates or refreshes a session binding, extending its TTL
func (s *stickyStore) Bind(sessionID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bindings[sessionID] = binding{
		nodeID:    nodeID,
		expiresAt: time.Now().Add(s.ttl),
	}
}

// InvalidateNode drops every binding that points at the given node
func (s *stickyStore) InvalidateNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID, b := range s.bindings {
		if b.nodeID == nodeID {
			delete(s.bindings, sessionID)
		}
	}
}

// Len returns the number of live bindings, sweeping expired ones
func (s *stickyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for sessionID, b := range s.bindings {
		if now.After(b.expiresAt) {
			delete(s.bindings, sessionID)
		}
	}
	return len(s.bindings)
}
