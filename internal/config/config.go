package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when the corresponding field is omitted.
const (
	DefaultHeartbeatTTL   = 30 * time.Second
	DefaultNonceTTL       = 5 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
	DefaultNonceNamespace = "default"
)

// WarrenConfig represents the top-level warren.yml configuration.
type WarrenConfig struct {
	Version  string                 `yaml:"version"`
	Instance string                 `yaml:"instance"`
	Redis    RedisConfig            `yaml:"redis"`
	Signing  *SigningConfig         `yaml:"signing,omitempty"`
	Registry *RegistryConfig        `yaml:"registry,omitempty"`
	Nonce    *NonceConfig           `yaml:"nonce,omitempty"`
	Router   *RouterConfig          `yaml:"router,omitempty"`
	Agents   map[string]AgentConfig `yaml:"agents"`
}

// RedisConfig specifies the coordination store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SigningConfig selects the envelope signing scheme and its key material.
// Keys are hex-encoded for ed25519; the HMAC secret is used as-is.
type SigningConfig struct {
	Scheme     string `yaml:"scheme"` // "hmac" or "ed25519"
	Secret     string `yaml:"secret,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	PublicKey  string `yaml:"public_key,omitempty"`
}

// RegistryConfig specifies agent directory behavior.
type RegistryConfig struct {
	HeartbeatTTL string `yaml:"heartbeat_ttl,omitempty"` // Go duration string, default 30s

	// Parsed by Validate.
	HeartbeatTTLDuration time.Duration `yaml:"-"`
}

// NonceConfig specifies the replay-protection window.
type NonceConfig struct {
	TTL       string `yaml:"ttl,omitempty"` // Go duration string, default 5m
	Namespace string `yaml:"namespace,omitempty"`

	// Parsed by Validate.
	TTLDuration time.Duration `yaml:"-"`
}

// RouterConfig specifies request/reply behavior.
type RouterConfig struct {
	RequestTimeout string `yaml:"request_timeout,omitempty"` // Go duration string, default 30s

	// Parsed by Validate.
	RequestTimeoutDuration time.Duration `yaml:"-"`
}

// AgentConfig represents a single agent definition.
type AgentConfig struct {
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
	Queues       []string `yaml:"queues,omitempty"`       // Defaults to one queue per capability
	MaxAttempts  int      `yaml:"max_attempts,omitempty"` // Retry budget for tasks this agent produces
}

// Validate performs strict validation on the configuration and fills in
// defaults. Duration strings are parsed here so later readers only see the
// parsed values.
func (c *WarrenConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	if c.Signing != nil {
		if err := c.Signing.Validate(); err != nil {
			return err
		}
	}

	if c.Registry == nil {
		c.Registry = &RegistryConfig{}
	}
	ttl, err := parseDuration("registry.heartbeat_ttl", c.Registry.HeartbeatTTL, DefaultHeartbeatTTL)
	if err != nil {
		return err
	}
	c.Registry.HeartbeatTTLDuration = ttl

	if c.Nonce == nil {
		c.Nonce = &NonceConfig{}
	}
	if c.Nonce.Namespace == "" {
		c.Nonce.Namespace = DefaultNonceNamespace
	}
	nonceTTL, err := parseDuration("nonce.ttl", c.Nonce.TTL, DefaultNonceTTL)
	if err != nil {
		return err
	}
	c.Nonce.TTLDuration = nonceTTL

	if c.Router == nil {
		c.Router = &RouterConfig{}
	}
	timeout, err := parseDuration("router.request_timeout", c.Router.RequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return err
	}
	c.Router.RequestTimeoutDuration = timeout

	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the signing section for internal consistency.
func (s *SigningConfig) Validate() error {
	switch s.Scheme {
	case "hmac":
		if s.Secret == "" {
			return fmt.Errorf("signing.secret is required for the hmac scheme")
		}
	case "ed25519":
		if s.PrivateKey == "" && s.PublicKey == "" {
			return fmt.Errorf("signing requires private_key or public_key for the ed25519 scheme")
		}
	default:
		return fmt.Errorf("invalid signing.scheme: %s (must be 'hmac' or 'ed25519')", s.Scheme)
	}
	return nil
}

// Validate performs validation on a single agent definition.
func (a *AgentConfig) Validate(name string) error {
	if a.Type == "" {
		return fmt.Errorf("agent '%s': type is required", name)
	}

	if len(a.Capabilities) == 0 {
		return fmt.Errorf("agent '%s': at least one capability is required", name)
	}
	for _, capability := range a.Capabilities {
		if capability == "" {
			return fmt.Errorf("agent '%s': capabilities cannot be empty strings", name)
		}
	}

	if a.MaxAttempts < 0 {
		return fmt.Errorf("agent '%s': max_attempts must be >= 0, got %d", name, a.MaxAttempts)
	}

	return nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// Load reads and validates warren.yml from the specified path.
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
