package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvironment overlays environment variables on top of the current
// configuration. Environment values take precedence over file configuration
// for the node list, routing strategy and health intervals.
func (c *Config) ApplyEnvironment() {
	// Discovery configuration
	if nodes := getEnv("WF_NODES", ""); nodes != "" {
		c.Discovery.StaticNodes = parseNodeList(nodes)
	}

	if interval := getEnv("WF_DISCOVERY_REFRESH_INTERVAL", ""); interval != "" {
		if i, err := time.ParseDuration(interval); err == nil {
			c.Discovery.RefreshInterval = i
		}
	}

	// Routing configuration
	if strategy := getEnv("WF_STRATEGY", ""); strategy != "" {
		c.Routing.Strategy = strategy
	}

	if sticky := getEnv("WF_STICKY_SESSION", ""); sticky != "" {
		c.Routing.StickySession = strings.ToLower(sticky) == "true"
	}

	if ttl := getEnv("WF_STICKY_TTL", ""); ttl != "" {
		if t, err := time.ParseDuration(ttl); err == nil {
			c.Routing.StickyTTL = t
		}
	}

	if maxRetries := getEnv("WF_MAX_RETRIES", ""); maxRetries != "" {
		if retries, err := strconv.Atoi(maxRetries); err == nil && retries >= 0 {
			c.Routing.MaxRetries = retries
		}
	}

	// Health monitor configuration
	if interval := getEnv("WF_HEALTH_CHECK_INTERVAL", ""); interval != "" {
		if i, err := time.ParseDuration(interval); err == nil {
			c.Health.CheckInterval = i
		}
	}

	if timeout := getEnv("WF_HEALTH_CHECK_TIMEOUT", ""); timeout != "" {
		if t, err := time.ParseDuration(timeout); err == nil {
			c.Health.Timeout = t
		}
	}

	if threshold := getEnv("WF_FAILURE_THRESHOLD", ""); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil && t > 0 {
			c.Health.FailureThreshold = t
		}
	}

	if threshold := getEnv("WF_RECOVERY_THRESHOLD", ""); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil && t > 0 {
			c.Health.RecoveryThreshold = t
		}
	}

	if backoff := getEnv("WF_UNHEALTHY_BACKOFF", ""); backoff != "" {
		if b, err := time.ParseDuration(backoff); err == nil {
			c.Health.UnhealthyBackoff = b
		}
	}

	// Cache coordinator configuration
	if enabled := getEnv("WF_WARMUP_ENABLED", ""); enabled != "" {
		c.Cache.SystemPromptWarmup = strings.ToLower(enabled) == "true"
	}

	if parallelism := getEnv("WF_WARMUP_PARALLELISM", ""); parallelism != "" {
		if p, err := strconv.Atoi(parallelism); err == nil && p > 0 {
			c.Cache.WarmupParallelism = p
		}
	}

	if interval := getEnv("WF_CACHE_SYNC_INTERVAL", ""); interval != "" {
		if i, err := time.ParseDuration(interval); err == nil {
			c.Cache.SyncInterval = i
		}
	}

	// Logging configuration
	if level := getEnv("WF_LOG_LEVEL", ""); level != "" {
		c.Logging.Level = level
	}

	if format := getEnv("WF_LOG_FORMAT", ""); format != "" {
		c.Logging.Format = format
	}
}

// parseNodeList parses a comma-separated node list of the form
// "id=url,id=url". Entries without an explicit id get a positional one.
func parseNodeList(raw string) []StaticNodeConfig {
	var nodes []StaticNodeConfig

	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, url := "", entry
		if idx := strings.Index(entry, "="); idx > 0 {
			id = strings.TrimSpace(entry[:idx])
			url = strings.TrimSpace(entry[idx+1:])
		}
		if id == "" {
			id = fmt.Sprintf("node-%d", i+1)
		}

		nodes = append(nodes, StaticNodeConfig{
			ID:     id,
			URL:    url,
			Weight: 1,
		})
	}

	return nodes
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
