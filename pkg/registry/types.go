// Package registry is the agent directory: capability and type indexes,
// heartbeat-based liveness, and batched lookups, built on the coordination
// store's hash and set primitives.
//
// Liveness is defined strictly by heartbeat-key presence. An agent that
// stops refreshing its heartbeat is reported offline once the key's TTL
// elapses, with no explicit unregistration required.
//
// Read operations degrade on store unavailability: they return empty results
// or zeroed statistics rather than errors, so callers never crash because the
// backing store is down.
package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the agent-declared lifecycle state. It is stored verbatim;
// it is not the liveness signal.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusDraining AgentStatus = "draining"
	StatusStopped  AgentStatus = "stopped"
)

// AgentInfo is the directory record for one agent. It is owned by the
// registering agent; the registry only stores and indexes it.
type AgentInfo struct {
	AgentID       string            `json:"agent_id"`
	AgentType     string            `json:"agent_type"`
	Capabilities  []string          `json:"capabilities"`
	Status        AgentStatus       `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields the registry depends on.
func (a *AgentInfo) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if a.AgentType == "" {
		return fmt.Errorf("agent type cannot be empty")
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("agent must declare at least one capability")
	}
	for i, c := range a.Capabilities {
		if c == "" {
			return fmt.Errorf("capability at index %d is empty", i)
		}
	}
	return nil
}

// NewAgentID returns a fresh agent identifier.
func NewAgentID() string {
	return uuid.New().String()
}

// AgentToHash converts an AgentInfo to Redis hash format. Array and map
// fields are JSON-encoded into single hash fields; timestamps are stored as
// unix milliseconds.
func AgentToHash(a *AgentInfo) (map[string]interface{}, error) {
	capabilitiesJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	hash := map[string]interface{}{
		"agent_id":         a.AgentID,
		"agent_type":       a.AgentType,
		"capabilities":     string(capabilitiesJSON),
		"status":           string(a.Status),
		"registered_at_ms": a.RegisteredAt.UnixMilli(),
		"metadata":         string(metadataJSON),
	}

	if a.LastHeartbeat != nil {
		hash["last_heartbeat_ms"] = a.LastHeartbeat.UnixMilli()
	} else {
		hash["last_heartbeat_ms"] = ""
	}

	return hash, nil
}

// HashToAgent converts a Redis hash back to an AgentInfo.
func HashToAgent(hash map[string]string) (*AgentInfo, error) {
	var capabilities []string
	if capabilitiesJSON := hash["capabilities"]; capabilitiesJSON != "" {
		if err := json.Unmarshal([]byte(capabilitiesJSON), &capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if capabilities == nil {
		capabilities = []string{}
	}

	metadata := map[string]string{}
	if metadataJSON := hash["metadata"]; metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	registeredAtMs, err := strconv.ParseInt(hash["registered_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid registered_at_ms field: %w", err)
	}

	info := &AgentInfo{
		AgentID:      hash["agent_id"],
		AgentType:    hash["agent_type"],
		Capabilities: capabilities,
		Status:       AgentStatus(hash["status"]),
		RegisteredAt: time.UnixMilli(registeredAtMs).UTC(),
		Metadata:     metadata,
	}

	if ms := hash["last_heartbeat_ms"]; ms != "" {
		lastMs, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid last_heartbeat_ms field: %w", err)
		}
		hb := time.UnixMilli(lastMs).UTC()
		info.LastHeartbeat = &hb
	}

	return info, nil
}

// Stats summarizes the directory: totals, liveness split, and per-capability
// agent counts.
type Stats struct {
	TotalAgents   int            `json:"total_agents"`
	OnlineAgents  int            `json:"online_agents"`
	OfflineAgents int            `json:"offline_agents"`
	ByCapability  map[string]int `json:"by_capability"`
}
