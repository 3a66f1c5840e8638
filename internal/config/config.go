package config

import (
	"fmt"
	"os"
	"time"

	lberrors "github.com/warmfleet/coordinator/internal/errors"
	"gopkg.in/yaml.v2"
)

// Config represents the main coordinator configuration structure
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Routing   RoutingConfig   `yaml:"routing"`
	Cache     CacheConfig     `yaml:"cache"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Admin     AdminConfig     `yaml:"admin"`
}

// StaticNodeConfig describes one statically configured node
type StaticNodeConfig struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Weight int      `yaml:"weight"`
	Tags   []string `yaml:"tags,omitempty"`
}

// DiscoveryConfig contains node discovery configuration
type DiscoveryConfig struct {
	Method          string             `yaml:"method"`
	StaticNodes     []StaticNodeConfig `yaml:"static_nodes"`
	RefreshInterval time.Duration      `yaml:"refresh_interval"`
	ValidateTimeout time.Duration      `yaml:"validate_timeout"`
}

// RoutingConfig contains router configuration
type RoutingConfig struct {
	Strategy      string        `yaml:"strategy"`
	StickySession bool          `yaml:"sticky_session"`
	StickyTTL     time.Duration `yaml:"sticky_ttl"`
	MaxRetries    int           `yaml:"max_retries"`
}

// CacheConfig contains cache coordinator configuration
type CacheConfig struct {
	SystemPromptWarmup bool          `yaml:"system_prompt_warmup"`
	WarmupOnDiscovery  bool          `yaml:"warmup_on_discovery"`
	WarmupParallelism  int           `yaml:"warmup_parallelism"`
	WarmupTimeout      time.Duration `yaml:"warmup_timeout"`
	SyncInterval       time.Duration `yaml:"sync_interval"`
	SyncTimeout        time.Duration `yaml:"sync_timeout"`

	// SystemPrompt and Tools carry the canonical finalized prompt handed to
	// the coordinator by the prompt pipeline; warmup is skipped when empty.
	SystemPrompt string `yaml:"system_prompt"`
	Tools        string `yaml:"tools"`
}

// HealthConfig contains health monitor configuration
type HealthConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
	UnhealthyBackoff  time.Duration `yaml:"unhealthy_backoff"`
	WindowSize        int           `yaml:"window_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// AdminConfig contains admin/status API configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Method:          "static",
			RefreshInterval: 60 * time.Second,
			ValidateTimeout: 5 * time.Second,
		},
		Routing: RoutingConfig{
			Strategy:      "cache_affinity",
			StickySession: true,
			StickyTTL:     10 * time.Minute,
			MaxRetries:    3,
		},
		Cache: CacheConfig{
			SystemPromptWarmup: true,
			WarmupOnDiscovery:  true,
			WarmupParallelism:  2,
			WarmupTimeout:      30 * time.Second,
			SyncInterval:       30 * time.Second,
			SyncTimeout:        5 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:     10 * time.Second,
			Timeout:           3 * time.Second,
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			UnhealthyBackoff:  30 * time.Second,
			WindowSize:        20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    9190,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// Load builds the effective configuration: defaults, then the optional file
// named by CONFIG_FILE, then environment overrides, then validation.
func Load() (*Config, error) {
	var config *Config
	var err error

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		config, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	config.ApplyEnvironment()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for fatal errors before any component starts
func (c *Config) Validate() error {
	if c.Discovery.Method != "static" {
		return lberrors.NewConfigValidationError(
			fmt.Sprintf("unsupported discovery method: %s", c.Discovery.Method))
	}
	if len(c.Discovery.StaticNodes) == 0 {
		return lberrors.NewConfigValidationError("discovery.static_nodes must not be empty")
	}
	seen := make(map[string]bool, len(c.Discovery.StaticNodes))
	for i, node := range c.Discovery.StaticNodes {
		if node.ID == "" {
			return lberrors.NewConfigValidationError(
				fmt.Sprintf("discovery.static_nodes[%d]: id must not be empty", i))
		}
		if node.URL == "" {
			return lberrors.NewConfigValidationError(
				fmt.Sprintf("discovery.static_nodes[%d]: url must not be empty", i))
		}
		if node.Weight < 0 {
			return lberrors.NewConfigValidationError(
				fmt.Sprintf("discovery.static_nodes[%d]: weight must be >= 0", i))
		}
		if seen[node.ID] {
			return lberrors.NewConfigValidationError(
				fmt.Sprintf("discovery.static_nodes[%d]: duplicate node id %s", i, node.ID))
		}
		seen[node.ID] = true
	}
	if c.Discovery.RefreshInterval <= 0 {
		return lberrors.NewConfigValidationError("discovery.refresh_interval must be positive")
	}
	if c.Discovery.ValidateTimeout <= 0 {
		return lberrors.NewConfigValidationError("discovery.validate_timeout must be positive")
	}

	switch c.Routing.Strategy {
	case "cache_affinity", "round_robin", "least_connections", "random":
	default:
		return lberrors.NewConfigValidationError(
			fmt.Sprintf("unsupported routing strategy: %s", c.Routing.Strategy))
	}
	if c.Routing.StickySession && c.Routing.StickyTTL <= 0 {
		return lberrors.NewConfigValidationError("routing.sticky_ttl must be positive when sticky sessions are enabled")
	}
	if c.Routing.MaxRetries < 0 {
		return lberrors.NewConfigValidationError("routing.max_retries must be >= 0")
	}

	if c.Cache.WarmupParallelism <= 0 {
		return lberrors.NewConfigValidationError("cache.warmup_parallelism must be positive")
	}
	if c.Cache.SyncInterval <= 0 {
		return lberrors.NewConfigValidationError("cache.sync_interval must be positive")
	}

	if c.Health.CheckInterval <= 0 {
		return lberrors.NewConfigValidationError("health.check_interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return lberrors.NewConfigValidationError("health.timeout must be positive")
	}
	if c.Health.FailureThreshold <= 0 {
		return lberrors.NewConfigValidationError("health.failure_threshold must be positive")
	}
	if c.Health.RecoveryThreshold <= 0 {
		return lberrors.NewConfigValidationError("health.recovery_threshold must be positive")
	}
	if c.Health.UnhealthyBackoff <= 0 {
		return lberrors.NewConfigValidationError("health.unhealthy_backoff must be positive")
	}
	if c.Health.WindowSize <= 0 {
		return lberrors.NewConfigValidationError("health.window_size must be positive")
	}

	return nil
}
