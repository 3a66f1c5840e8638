// Package nodeclient implements the HTTP contract the coordinator consumes
// from each inference-serving node.
package nodeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/warmfleet/coordinator/internal/domain"
	"github.com/warmfleet/coordinator/pkg/logger"
	"golang.org/x/net/http2"
)

const userAgent = "warmfleet-coordinator/1.0"

// Model is one entry of a node's model-listing response
type Model struct {
	ID    string `json:"id"`
	Ready *bool  `json:"ready,omitempty"`
}

// IsReady reports whether the model can serve traffic. Nodes that omit the
// ready flag are assumed ready once they answer the listing at all.
func (m Model) IsReady() bool {
	return m.Ready == nil || *m.Ready
}

type modelList struct {
	Data []Model `json:"data"`
}

// cacheStateResponse mirrors the node's GET /v1/cluster/cache payload
type cacheStateResponse struct {
	PromptHash    string  `json:"prompt_hash"`
	ToolsHash     string  `json:"tools_hash"`
	CapacityBytes int64   `json:"capacity_bytes"`
	UsedBytes     int64   `json:"used_bytes"`
	HitRate       float64 `json:"hit_rate"`
}

// WarmupRequest is the body of POST /v1/cluster/cache/warm
type WarmupRequest struct {
	Prompt     string `json:"prompt"`
	Tools      string `json:"tools,omitempty"`
	PromptHash string `json:"prompt_hash"`
	ToolsHash  string `json:"tools_hash,omitempty"`
}

// Client is a per-node request client carrying node-identifying headers
type Client struct {
	nodeID     string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// Factory builds per-node clients sharing one transport configuration
type Factory struct {
	transport *http.Transport
	logger    *logger.Logger
}

// NewFactory creates a client factory. The shared transport is HTTP/2-enabled
// for TLS node URLs.
func NewFactory(log *logger.Logger) *Factory {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.WithError(err).Warn("Failed to enable HTTP/2 on node transport")
	}

	return &Factory{
		transport: transport,
		logger:    log,
	}
}

// New builds a client for the given node
func (f *Factory) New(node *domain.Node) *Client {
	return &Client{
		nodeID:  node.ID,
		baseURL: node.URL,
		httpClient: &http.Client{
			Transport: f.transport,
		},
		logger: f.logger.NodeLogger(node.ID, node.URL),
	}
}

// NodeID returns the id of the node this client talks to
func (c *Client) NodeID() string {
	return c.nodeID
}

// BaseURL returns the node's base address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// newRequest builds a request with the coordinator's standard headers
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Warmfleet-Node", c.nodeID)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// ListModels fetches the node's model listing. Discovery admits a node only
// if this returns at least one ready model.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create model listing request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model listing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model listing returned status %d", resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model listing: %w", err)
	}
	return list.Data, nil
}

// CheckHealth polls the node's health endpoint and returns the observed
// latency. Success and latency are the only signals consumed.
func (c *Client) CheckHealth(ctx context.Context) (time.Duration, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/cluster/health", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create health check request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		return duration, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return duration, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return duration, nil
}

// FetchCacheState pulls the node's self-reported cache state
func (c *Client) FetchCacheState(ctx context.Context) (domain.NodeCacheState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/cluster/cache", nil)
	if err != nil {
		return domain.NodeCacheState{}, fmt.Errorf("failed to create cache state request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NodeCacheState{}, fmt.Errorf("cache state request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NodeCacheState{}, fmt.Errorf("cache state returned status %d", resp.StatusCode)
	}

	var state cacheStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return domain.NodeCacheState{}, fmt.Errorf("failed to decode cache state: %w", err)
	}

	return domain.NodeCacheState{
		PromptHash:    state.PromptHash,
		ToolsHash:     state.ToolsHash,
		CapacityBytes: state.CapacityBytes,
		UsedBytes:     state.UsedBytes,
		HitRate:       state.HitRate,
	}, nil
}

// WarmCache asks the node to populate its prefix cache with the canonical
// prompt and tool definitions. Only the status is consumed.
func (c *Client) WarmCache(ctx context.Context, warmup WarmupRequest) error {
	body, err := json.Marshal(warmup)
	if err != nil {
		return fmt.Errorf("failed to encode warmup request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/cluster/cache/warm", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create warmup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("warmup returned status %d", resp.StatusCode)
	}

	c.logger.Debug("Cache warmup accepted")
	return nil
}
