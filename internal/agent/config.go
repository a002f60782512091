package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the agent daemon's runtime configuration loaded from
// environment variables. Required fields are validated at startup so a
// misconfigured daemon fails before touching the coordination store.
type Config struct {
	// InstanceName is the warren instance identifier (from WARREN_INSTANCE_NAME)
	InstanceName string

	// AgentID identifies this agent in the registry (from WARREN_AGENT_ID,
	// generated when empty)
	AgentID string

	// AgentName is the human-facing name of this agent (from WARREN_AGENT_NAME)
	AgentName string

	// AgentType groups agents in the registry (from WARREN_AGENT_TYPE)
	AgentType string

	// RedisURL is the coordination store connection string (from REDIS_URL)
	RedisURL string

	// Capabilities lists what this agent can do (from WARREN_CAPABILITIES)
	// Expected format: JSON array like ["translation:en-es", "summarize"]
	Capabilities []string

	// Command is an optional external tool to execute per task
	// (from WARREN_AGENT_COMMAND)
	// Expected format: JSON array like ["/app/run.sh"] or ["/usr/bin/python3", "tool.py"]
	Command []string

	// HeartbeatTTL is the liveness window (from WARREN_HEARTBEAT_TTL,
	// optional Go duration string). Zero selects the registry default.
	HeartbeatTTL time.Duration
}

// LoadConfig reads and validates configuration from environment variables.
// Returns an error if any required variable is missing or invalid.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		InstanceName: os.Getenv("WARREN_INSTANCE_NAME"),
		AgentID:      os.Getenv("WARREN_AGENT_ID"),
		AgentName:    os.Getenv("WARREN_AGENT_NAME"),
		AgentType:    os.Getenv("WARREN_AGENT_TYPE"),
		RedisURL:     os.Getenv("REDIS_URL"),
	}

	capabilitiesJSON := os.Getenv("WARREN_CAPABILITIES")
	if capabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &cfg.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to parse WARREN_CAPABILITIES as JSON array: %w", err)
		}
	}

	commandJSON := os.Getenv("WARREN_AGENT_COMMAND")
	if commandJSON != "" {
		if err := json.Unmarshal([]byte(commandJSON), &cfg.Command); err != nil {
			return nil, fmt.Errorf("failed to parse WARREN_AGENT_COMMAND as JSON array: %w", err)
		}
	}

	if ttl := os.Getenv("WARREN_HEARTBEAT_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to parse WARREN_HEARTBEAT_TTL: %w", err)
		}
		cfg.HeartbeatTTL = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("WARREN_INSTANCE_NAME environment variable is required")
	}

	if c.AgentName == "" {
		return fmt.Errorf("WARREN_AGENT_NAME environment variable is required")
	}

	if c.AgentType == "" {
		return fmt.Errorf("WARREN_AGENT_TYPE environment variable is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL environment variable is required")
	}

	if len(c.Capabilities) == 0 {
		return fmt.Errorf("WARREN_CAPABILITIES environment variable is required (must be a non-empty JSON array)")
	}

	if c.HeartbeatTTL < 0 {
		return fmt.Errorf("WARREN_HEARTBEAT_TTL must be positive")
	}

	return nil
}
