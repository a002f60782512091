package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/wire"
)

// DefaultHeartbeatTTL is the liveness window: an agent that has not
// refreshed its heartbeat within this duration is offline.
const DefaultHeartbeatTTL = 30 * time.Second

// Registry provides instance-scoped directory operations. It is safe for
// concurrent use.
type Registry struct {
	rdb          *redis.Client
	instanceName string
	heartbeatTTL time.Duration
}

// New creates a registry client for the given instance. A non-positive
// heartbeatTTL selects the default.
func New(rdb *redis.Client, instanceName string, heartbeatTTL time.Duration) (*Registry, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	return &Registry{rdb: rdb, instanceName: instanceName, heartbeatTTL: heartbeatTTL}, nil
}

// Register stores the agent record, indexes it by capability and type, sets
// the initial heartbeat, and publishes a registration notification. Assigns
// a fresh agent ID if the record carries none. All writes go through one
// transactional pipeline.
func (r *Registry) Register(ctx context.Context, info *AgentInfo) (string, error) {
	if info == nil {
		return "", fmt.Errorf("agent info cannot be nil")
	}
	if info.AgentID == "" {
		info.AgentID = NewAgentID()
	}
	if info.Status == "" {
		info.Status = StatusActive
	}
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = time.Now().UTC()
	}
	if err := info.Validate(); err != nil {
		return "", fmt.Errorf("invalid agent info: %w", err)
	}

	hash, err := AgentToHash(info)
	if err != nil {
		return "", fmt.Errorf("failed to serialize agent info: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, wire.AgentKey(r.instanceName, info.AgentID), hash)
	pipe.SAdd(ctx, wire.AgentsKey(r.instanceName), info.AgentID)
	for _, capability := range info.Capabilities {
		pipe.SAdd(ctx, wire.CapabilityIndexKey(r.instanceName, capability), info.AgentID)
	}
	pipe.SAdd(ctx, wire.AgentTypeKey(r.instanceName, info.AgentType), info.AgentID)
	pipe.Set(ctx, wire.HeartbeatKey(r.instanceName, info.AgentID), "1", r.heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to register agent: %w", err)
	}

	// Registration notification for listeners on the registry channel.
	if data, err := json.Marshal(info); err == nil {
		channel := wire.Channel(r.instanceName, wire.RegistryChannel)
		_ = r.rdb.Publish(ctx, channel, data).Err()
	}

	return info.AgentID, nil
}

// Unregister removes the agent record and all its index entries.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	info, err := r.getAgent(ctx, agentID)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	for _, capability := range info.Capabilities {
		pipe.SRem(ctx, wire.CapabilityIndexKey(r.instanceName, capability), agentID)
	}
	pipe.SRem(ctx, wire.AgentTypeKey(r.instanceName, info.AgentType), agentID)
	pipe.SRem(ctx, wire.AgentsKey(r.instanceName), agentID)
	pipe.Del(ctx, wire.AgentKey(r.instanceName, agentID))
	pipe.Del(ctx, wire.HeartbeatKey(r.instanceName, agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister agent %s: %w", agentID, err)
	}
	return nil
}

// Heartbeat refreshes the agent's expiring liveness key and records the
// heartbeat time on the stored record.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, wire.HeartbeatKey(r.instanceName, agentID), "1", r.heartbeatTTL)
	pipe.HSet(ctx, wire.AgentKey(r.instanceName, agentID), "last_heartbeat_ms", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// IsOnline reports whether the agent's liveness key currently exists.
// Absence, including due to TTL expiry or store unavailability, means
// offline.
func (r *Registry) IsOnline(ctx context.Context, agentID string) bool {
	n, err := r.rdb.Exists(ctx, wire.HeartbeatKey(r.instanceName, agentID)).Result()
	return err == nil && n > 0
}

// GetAgent returns the stored record for one agent.
// Returns (nil, redis.Nil) if the agent is not registered. Unlike the list
// and stats reads, which degrade to empty results on store outage, a
// single-record lookup surfaces store errors: callers need to tell "not
// registered" apart from "store unreachable".
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	return r.getAgent(ctx, agentID)
}

func (r *Registry) getAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	hash, err := r.rdb.HGetAll(ctx, wire.AgentKey(r.instanceName, agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %s: %w", agentID, err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	info, err := HashToAgent(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize agent %s: %w", agentID, err)
	}
	return info, nil
}

// FindCapableAgents returns the agents declaring the given capabilities.
// requireAll combines the per-capability index sets by intersection; false
// combines by union. onlyOnline filters the combined set by liveness using a
// single pipelined round trip for all heartbeat checks.
//
// Returns an empty slice when the backing store is unavailable.
func (r *Registry) FindCapableAgents(ctx context.Context, capabilities []string, requireAll, onlyOnline bool) []*AgentInfo {
	if len(capabilities) == 0 {
		return []*AgentInfo{}
	}

	keys := make([]string, len(capabilities))
	for i, c := range capabilities {
		keys[i] = wire.CapabilityIndexKey(r.instanceName, c)
	}

	var ids []string
	var err error
	if requireAll {
		ids, err = r.rdb.SInter(ctx, keys...).Result()
	} else {
		ids, err = r.rdb.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return []*AgentInfo{}
	}

	if onlyOnline {
		ids = r.filterOnline(ctx, ids)
	}

	return r.fetchAgents(ctx, ids)
}

// ListAgents returns registered agents, optionally restricted to one agent
// type and to currently online agents. Returns an empty slice when the
// backing store is unavailable.
func (r *Registry) ListAgents(ctx context.Context, agentType string, onlyOnline bool) []*AgentInfo {
	var ids []string
	var err error
	if agentType != "" {
		ids, err = r.rdb.SMembers(ctx, wire.AgentTypeKey(r.instanceName, agentType)).Result()
	} else {
		ids, err = r.rdb.SMembers(ctx, wire.AgentsKey(r.instanceName)).Result()
	}
	if err != nil {
		return []*AgentInfo{}
	}

	if onlyOnline {
		ids = r.filterOnline(ctx, ids)
	}

	return r.fetchAgents(ctx, ids)
}

// GetStats returns directory totals, the online/offline split, and
// per-capability agent counts. Heartbeat existence and capability
// cardinality reads are pipelined rather than issued one call per agent or
// capability. Returns zeroed statistics when the backing store is
// unavailable.
func (r *Registry) GetStats(ctx context.Context) Stats {
	stats := Stats{ByCapability: map[string]int{}}

	ids, err := r.rdb.SMembers(ctx, wire.AgentsKey(r.instanceName)).Result()
	if err != nil {
		return stats
	}
	stats.TotalAgents = len(ids)
	stats.OnlineAgents = len(r.filterOnline(ctx, ids))
	stats.OfflineAgents = stats.TotalAgents - stats.OnlineAgents

	capKeys := r.scanKeys(ctx, wire.CapabilityIndexKey(r.instanceName, "*"))
	if len(capKeys) == 0 {
		return stats
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(capKeys))
	for i, key := range capKeys {
		cmds[i] = pipe.SCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return stats
	}

	prefix := wire.CapabilityIndexKey(r.instanceName, "")
	for i, key := range capKeys {
		stats.ByCapability[strings.TrimPrefix(key, prefix)] = int(cmds[i].Val())
	}
	return stats
}

// filterOnline keeps the IDs whose heartbeat key exists, batching all
// existence checks into one pipelined round trip.
func (r *Registry) filterOnline(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return ids
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, wire.HeartbeatKey(r.instanceName, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return []string{}
	}

	online := make([]string, 0, len(ids))
	for i, id := range ids {
		if cmds[i].Val() > 0 {
			online = append(online, id)
		}
	}
	return online
}

// fetchAgents reads the records for the given IDs in one pipelined round
// trip, skipping records that disappeared or fail to decode.
func (r *Registry) fetchAgents(ctx context.Context, ids []string) []*AgentInfo {
	if len(ids) == 0 {
		return []*AgentInfo{}
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, wire.AgentKey(r.instanceName, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return []*AgentInfo{}
	}

	agents := make([]*AgentInfo, 0, len(ids))
	for _, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		info, err := HashToAgent(hash)
		if err != nil {
			continue
		}
		agents = append(agents, info)
	}
	return agents
}

func (r *Registry) scanKeys(ctx context.Context, pattern string) []string {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys
		}
		cursor = next
	}
}
