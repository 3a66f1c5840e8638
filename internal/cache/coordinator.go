// Package cache maintains the cluster-wide registry of which nodes hold a
// warm cache for a given prompt prefix, drives proactive warmup, and
// reconciles the registry against each node's self-reported state.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/warmfleet/coordinator/internal/config"
	"github.com/warmfleet/coordinator/internal/domain"
	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"github.com/warmfleet/coordinator/internal/metrics"
	"github.com/warmfleet/coordinator/internal/nodeclient"
	"github.com/warmfleet/coordinator/pkg/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// approxBytesPerToken is the rough KV-cache footprint per prompt token used
// for the registry's memory estimates.
const approxBytesPerToken = 128 * 1024

// HashPrompt returns the stable fingerprint shared between coordinator and
// nodes for a prompt or tool-definition blob. Empty input hashes to the
// empty string so absent tool definitions stay absent.
func HashPrompt(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates the token count of a prompt
func EstimateTokens(s string) int {
	return len(s) / 4
}

// entryState is the registry value for one warm prefix
type entryState struct {
	nodeIDs           map[string]struct{}
	tokenCount        int
	approxMemoryBytes int64
	lastAccess        time.Time
}

// Coordinator owns the cluster-wide cache registry
type Coordinator struct {
	cfg       config.CacheConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	clientFor func(nodeID string) *nodeclient.Client
	limiter   *rate.Limiter

	mu      sync.RWMutex
	entries map[domain.CacheKey]*entryState

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a cache coordinator. clientFor resolves the per-node request
// client for outbound warmup and sync calls.
func New(cfg config.CacheConfig, clientFor func(nodeID string) *nodeclient.Client, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		logger:    log.CacheLogger(),
		metrics:   m,
		clientFor: clientFor,
		// Pace warmup broadcasts so a full-fleet warmup cannot saturate a
		// shared network link.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), cfg.WarmupParallelism),
		entries: make(map[domain.CacheKey]*entryState),
		stopCh:  make(chan struct{}),
	}
}

// WarmUp broadcasts the canonical prompt and tool definitions to the given
// nodes with bounded parallelism. Per-node failures are logged and excluded
// from the registry but never fail the overall operation.
func (cc *Coordinator) WarmUp(ctx context.Context, nodes []*domain.Node, prompt, tools string) {
	if prompt == "" || len(nodes) == 0 {
		return
	}

	warmup := nodeclient.WarmupRequest{
		Prompt:     prompt,
		Tools:      tools,
		PromptHash: HashPrompt(prompt),
		ToolsHash:  HashPrompt(tools),
	}
	key := domain.CacheKey{PromptHash: warmup.PromptHash, ToolsHash: warmup.ToolsHash}
	tokenCount := EstimateTokens(prompt) + EstimateTokens(tools)

	sem := semaphore.NewWeighted(int64(cc.cfg.WarmupParallelism))
	var wg sync.WaitGroup

	for _, node := range nodes {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(node *domain.Node) {
			defer wg.Done()
			defer sem.Release(1)
			cc.warmNode(ctx, node, warmup, key, tokenCount)
		}(node)
	}
	wg.Wait()
}

// warmNode warms a single node and registers it on success
func (cc *Coordinator) warmNode(ctx context.Context, node *domain.Node, warmup nodeclient.WarmupRequest, key domain.CacheKey, tokenCount int) {
	if err := cc.limiter.Wait(ctx); err != nil {
		return
	}

	client := cc.clientFor(node.ID)
	if client == nil {
		return
	}

	warmCtx, cancel := context.WithTimeout(ctx, cc.cfg.WarmupTimeout)
	err := client.WarmCache(warmCtx, warmup)
	cancel()

	if err != nil {
		cc.metrics.RecordWarmup(false)
		cc.logger.WithError(lberrors.NewCacheWarmupError(node.ID, err)).
			Warnf("Cache warmup failed on node %s", node.ID)
		return
	}

	cc.metrics.RecordWarmup(true)
	cc.Register(key, node.ID, tokenCount)

	state := node.CacheState()
	state.PromptHash = key.PromptHash
	state.ToolsHash = key.ToolsHash
	state.LastWarmedAt = time.Now()
	node.SetCacheState(state)

	cc.logger.Debugf("Cache warmed on node %s", node.ID)
}

// Register adds a node to the registry entry for a prefix
func (cc *Coordinator) Register(key domain.CacheKey, nodeID string, tokenCount int) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, exists := cc.entries[key]
	if !exists {
		entry = &entryState{
			nodeIDs:           make(map[string]struct{}),
			tokenCount:        tokenCount,
			approxMemoryBytes: int64(tokenCount) * approxBytesPerToken,
		}
		cc.entries[key] = entry
	}
	entry.nodeIDs[nodeID] = struct{}{}
	entry.lastAccess = time.Now()
}

// RegistryLookup returns the sorted ids of nodes known to hold the prefix warm
func (cc *Coordinator) RegistryLookup(key domain.CacheKey) []string {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, exists := cc.entries[key]
	if !exists {
		return nil
	}
	entry.lastAccess = time.Now()

	ids := make([]string, 0, len(entry.nodeIDs))
	for id := range entry.nodeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PruneNode removes a node from every registry entry. Called when discovery
// determines the node is permanently gone.
func (cc *Coordinator) PruneNode(nodeID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	for key, entry := range cc.entries {
		delete(entry.nodeIDs, nodeID)
		if len(entry.nodeIDs) == 0 {
			delete(cc.entries, key)
		}
	}
}

// SyncState pulls each node's self-reported cache state and reconciles the
// registry: a node joins the entry matching its reported hash and leaves any
// entry it no longer matches, which indirectly detects node-side eviction.
func (cc *Coordinator) SyncState(ctx context.Context, nodes []*domain.Node) {
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		go func(node *domain.Node) {
			defer wg.Done()
			cc.syncNode(ctx, node)
		}(node)
	}
	wg.Wait()
}

// syncNode refreshes one node's cache state
func (cc *Coordinator) syncNode(ctx context.Context, node *domain.Node) {
	client := cc.clientFor(node.ID)
	if client == nil {
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, cc.cfg.SyncTimeout)
	reported, err := client.FetchCacheState(syncCtx)
	cancel()

	if err != nil {
		cc.logger.WithError(err).Debugf("Cache state sync failed for node %s", node.ID)
		return
	}

	// Preserve the warmup timestamp; the node does not report it.
	reported.LastWarmedAt = node.CacheState().LastWarmedAt
	node.SetCacheState(reported)

	cc.reconcile(node.ID, domain.CacheKey{
		PromptHash: reported.PromptHash,
		ToolsHash:  reported.ToolsHash,
	}, reported)
}

// reconcile updates registry membership for one node's reported key
func (cc *Coordinator) reconcile(nodeID string, key domain.CacheKey, reported domain.NodeCacheState) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	for existing, entry := range cc.entries {
		if existing == key {
			continue
		}
		delete(entry.nodeIDs, nodeID)
		if len(entry.nodeIDs) == 0 {
			delete(cc.entries, existing)
		}
	}

	if key.PromptHash == "" {
		return
	}

	entry, exists := cc.entries[key]
	if !exists {
		tokenCount := int(reported.UsedBytes / approxBytesPerToken)
		entry = &entryState{
			nodeIDs:           make(map[string]struct{}),
			tokenCount:        tokenCount,
			approxMemoryBytes: reported.UsedBytes,
			lastAccess:        time.Now(),
		}
		cc.entries[key] = entry
	}
	entry.nodeIDs[nodeID] = struct{}{}
}

// Start begins the periodic sync loop. nodesFn supplies the current
// registered node set each cycle.
func (cc *Coordinator) Start(ctx context.Context, nodesFn func() []*domain.Node) {
	cc.runMu.Lock()
	if cc.running {
		cc.runMu.Unlock()
		return
	}
	cc.running = true
	cc.runMu.Unlock()

	cc.wg.Add(1)
	go func() {
		defer cc.wg.Done()

		ticker := time.NewTicker(cc.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cc.stopCh:
				return
			case <-ticker.C:
				cc.SyncState(ctx, nodesFn())
			}
		}
	}()
}

// Stop terminates the sync loop
func (cc *Coordinator) Stop() {
	cc.runMu.Lock()
	if !cc.running {
		cc.runMu.Unlock()
		return
	}
	cc.running = false
	cc.runMu.Unlock()

	close(cc.stopCh)
	cc.wg.Wait()
}

// Stats returns cache registry statistics for status reporting
func (cc *Coordinator) Stats() map[string]interface{} {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	totalNodes := 0
	var totalBytes int64
	for _, entry := range cc.entries {
		totalNodes += len(entry.nodeIDs)
		totalBytes += entry.approxMemoryBytes
	}

	return map[string]interface{}{
		"entries":             len(cc.entries),
		"warm_node_refs":      totalNodes,
		"approx_memory_bytes": totalBytes,
	}
}

// Entries returns a read-only view of the registry keyed by prefix
func (cc *Coordinator) Entries() map[domain.CacheKey][]string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	out := make(map[domain.CacheKey][]string, len(cc.entries))
	for key, entry := range cc.entries {
		ids := make([]string, 0, len(entry.nodeIDs))
		for id := range entry.nodeIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[key] = ids
	}
	return out
}
