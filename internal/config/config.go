package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models actiongate.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	RateLimits RateLimits                `yaml:"rate_limits"`
	Executors  map[string]ExecutorConfig `yaml:"executors"`
	Webhook    WebhookConfig             `yaml:"webhook"`
	Poller     PollerConfig              `yaml:"poller"`
}

// RateLimitParams tunes one per-API token bucket and its retry policy.
// Zero fields inherit from the default block.
type RateLimitParams struct {
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	BurstSize            int     `yaml:"burst_size"`
	RetryOn429           *bool   `yaml:"retry_on_429"`
	MaxRetries           int     `yaml:"max_retries"`
	InitialBackoffMs     int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs         int     `yaml:"max_backoff_ms"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
}

type RateLimits struct {
	Default RateLimitParams            `yaml:"default"`
	APIs    map[string]RateLimitParams `yaml:"apis"`
}

// ForAPI returns the effective parameters for an API name: the per-API block
// merged over the defaults.
func (r RateLimits) ForAPI(name string) RateLimitParams {
	p := r.Default
	override, ok := r.APIs[name]
	if !ok {
		return p
	}
	if override.MaxRequestsPerSecond > 0 {
		p.MaxRequestsPerSecond = override.MaxRequestsPerSecond
	}
	if override.BurstSize > 0 {
		p.BurstSize = override.BurstSize
	}
	if override.RetryOn429 != nil {
		p.RetryOn429 = override.RetryOn429
	}
	if override.MaxRetries > 0 {
		p.MaxRetries = override.MaxRetries
	}
	if override.InitialBackoffMs > 0 {
		p.InitialBackoffMs = override.InitialBackoffMs
	}
	if override.MaxBackoffMs > 0 {
		p.MaxBackoffMs = override.MaxBackoffMs
	}
	if override.BackoffMultiplier > 0 {
		p.BackoffMultiplier = override.BackoffMultiplier
	}
	return p
}

// ExecutorConfig binds an action kind to its dispatch target.
type ExecutorConfig struct {
	API  string `yaml:"api"`
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"` // http or stub
}

type WebhookConfig struct {
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"max_attempts"`
	IntervalMs  int    `yaml:"interval_ms"`
	MaxAgeMs    int    `yaml:"max_age_ms"`
}

type PollerConfig struct {
	TimeoutMs  int `yaml:"timeout_ms"`
	IntervalMs int `yaml:"interval_ms"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ag config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("local"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.RateLimits.Default.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("config.rate_limits.default.max_requests_per_second must be positive")
	}
	if c.RateLimits.Default.BurstSize <= 0 {
		return fmt.Errorf("config.rate_limits.default.burst_size must be positive")
	}
	if c.RateLimits.Default.BackoffMultiplier < 1 {
		return fmt.Errorf("config.rate_limits.default.backoff_multiplier must be >= 1")
	}
	for name, p := range c.RateLimits.APIs {
		if p.MaxRequestsPerSecond < 0 || p.BurstSize < 0 {
			return fmt.Errorf("rate limit override %s has negative values", name)
		}
	}
	for kind, exec := range c.Executors {
		if exec.Mode != "" && exec.Mode != "http" && exec.Mode != "stub" {
			return fmt.Errorf("executor %s mode must be http or stub", kind)
		}
		if exec.Mode != "stub" && exec.API == "" {
			return fmt.Errorf("executor %s requires an api name", kind)
		}
	}
	if c.Webhook.MaxAttempts < 0 {
		return fmt.Errorf("config.webhook.max_attempts must be non-negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actiongate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

rate_limits:
  default:
    max_requests_per_second: 10
    burst_size: 20
    retry_on_429: true
    max_retries: 3
    initial_backoff_ms: 1000
    max_backoff_ms: 30000
    backoff_multiplier: 2
  apis:
    publer:
      max_requests_per_second: 5
      burst_size: 15

executors:
  content_post:
    api: publer
    mode: stub
  purchase_order:
    api: supplier
    mode: stub
  ad_change:
    api: ads
    mode: stub
  cx_reply:
    api: chatwoot
    mode: stub
  inventory_action:
    api: shopify
    mode: stub

webhook:
  secret: ""
  max_attempts: 3
  interval_ms: 500
  max_age_ms: 86400000

poller:
  timeout_ms: 60000
  interval_ms: 2000
`
