package registry

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r, err := New(rdb, "test-instance", ttl)
	require.NoError(t, err)
	return r, mr
}

func registerAgent(t *testing.T, r *Registry, id, agentType string, capabilities ...string) *AgentInfo {
	info := &AgentInfo{
		AgentID:      id,
		AgentType:    agentType,
		Capabilities: capabilities,
	}
	_, err := r.Register(context.Background(), info)
	require.NoError(t, err)
	return info
}

func agentIDs(agents []*AgentInfo) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.AgentID
	}
	sort.Strings(ids)
	return ids
}

func TestNew(t *testing.T) {
	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := New(redis.NewClient(&redis.Options{}), "", 0)
		assert.Error(t, err)
	})

	t.Run("zero TTL selects the default", func(t *testing.T) {
		r, _ := setupTestRegistry(t, 0)
		assert.Equal(t, DefaultHeartbeatTTL, r.heartbeatTTL)
	})
}

func TestRegister(t *testing.T) {
	r, _ := setupTestRegistry(t, 0)
	ctx := context.Background()

	t.Run("stores and indexes the record", func(t *testing.T) {
		info := registerAgent(t, r, "agent-1", "worker", "translation:en-es", "summarize")

		got, err := r.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, info.AgentID, got.AgentID)
		assert.Equal(t, "worker", got.AgentType)
		assert.ElementsMatch(t, []string{"translation:en-es", "summarize"}, got.Capabilities)
		assert.Equal(t, StatusActive, got.Status)
		assert.False(t, got.RegisteredAt.IsZero())
	})

	t.Run("assigns an ID when missing", func(t *testing.T) {
		info := &AgentInfo{AgentType: "worker", Capabilities: []string{"x"}}
		id, err := r.Register(ctx, info)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, info.AgentID)
	})

	t.Run("rejects record without capabilities", func(t *testing.T) {
		_, err := r.Register(ctx, &AgentInfo{AgentID: "bad", AgentType: "worker"})
		assert.Error(t, err)
	})

	t.Run("registration starts the agent online", func(t *testing.T) {
		registerAgent(t, r, "agent-online", "worker", "x")
		assert.True(t, r.IsOnline(ctx, "agent-online"))
	})
}

func TestLiveness(t *testing.T) {
	r, mr := setupTestRegistry(t, 10*time.Second)
	ctx := context.Background()

	registerAgent(t, r, "agent-1", "worker", "x")

	t.Run("online until the heartbeat TTL elapses", func(t *testing.T) {
		assert.True(t, r.IsOnline(ctx, "agent-1"))

		mr.FastForward(11 * time.Second)

		// No explicit unregistration required to be reported offline.
		assert.False(t, r.IsOnline(ctx, "agent-1"))
	})

	t.Run("heartbeat refreshes liveness", func(t *testing.T) {
		require.NoError(t, r.Heartbeat(ctx, "agent-1"))
		assert.True(t, r.IsOnline(ctx, "agent-1"))

		got, err := r.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		require.NotNil(t, got.LastHeartbeat)
	})

	t.Run("unknown agent is offline", func(t *testing.T) {
		assert.False(t, r.IsOnline(ctx, "no-such-agent"))
	})
}

func TestFindCapableAgents(t *testing.T) {
	r, mr := setupTestRegistry(t, 10*time.Second)
	ctx := context.Background()

	// A={1,2} for "x", B={2,3} for "y".
	registerAgent(t, r, "agent-1", "worker", "x")
	registerAgent(t, r, "agent-2", "worker", "x", "y")
	registerAgent(t, r, "agent-3", "worker", "y")

	t.Run("require_all intersects", func(t *testing.T) {
		agents := r.FindCapableAgents(ctx, []string{"x", "y"}, true, false)
		assert.Equal(t, []string{"agent-2"}, agentIDs(agents))
	})

	t.Run("any-of unions", func(t *testing.T) {
		agents := r.FindCapableAgents(ctx, []string{"x", "y"}, false, false)
		assert.Equal(t, []string{"agent-1", "agent-2", "agent-3"}, agentIDs(agents))
	})

	t.Run("only_online filters expired agents", func(t *testing.T) {
		mr.FastForward(11 * time.Second)
		require.NoError(t, r.Heartbeat(ctx, "agent-2"))

		agents := r.FindCapableAgents(ctx, []string{"x", "y"}, false, true)
		assert.Equal(t, []string{"agent-2"}, agentIDs(agents))
	})

	t.Run("no capabilities yields empty", func(t *testing.T) {
		assert.Empty(t, r.FindCapableAgents(ctx, nil, true, false))
	})
}

func TestListAgents(t *testing.T) {
	r, mr := setupTestRegistry(t, 10*time.Second)
	ctx := context.Background()

	registerAgent(t, r, "worker-1", "worker", "x")
	registerAgent(t, r, "worker-2", "worker", "y")
	registerAgent(t, r, "gateway-1", "gateway", "z")

	t.Run("all agents", func(t *testing.T) {
		agents := r.ListAgents(ctx, "", false)
		assert.Len(t, agents, 3)
	})

	t.Run("by type", func(t *testing.T) {
		agents := r.ListAgents(ctx, "worker", false)
		assert.Equal(t, []string{"worker-1", "worker-2"}, agentIDs(agents))
	})

	t.Run("only online", func(t *testing.T) {
		mr.FastForward(11 * time.Second)
		require.NoError(t, r.Heartbeat(ctx, "worker-1"))

		agents := r.ListAgents(ctx, "worker", true)
		assert.Equal(t, []string{"worker-1"}, agentIDs(agents))
	})
}

func TestGetStats(t *testing.T) {
	r, mr := setupTestRegistry(t, 10*time.Second)
	ctx := context.Background()

	registerAgent(t, r, "agent-1", "worker", "translation:en-es")
	registerAgent(t, r, "agent-2", "worker", "translation:en-es", "summarize")

	mr.FastForward(11 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "agent-1"))

	stats := r.GetStats(ctx)
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 1, stats.OnlineAgents)
	assert.Equal(t, 1, stats.OfflineAgents)
	assert.Equal(t, 2, stats.ByCapability["translation_en-es"])
	assert.Equal(t, 1, stats.ByCapability["summarize"])
}

func TestUnregister(t *testing.T) {
	r, _ := setupTestRegistry(t, 0)
	ctx := context.Background()

	registerAgent(t, r, "agent-1", "worker", "x")
	require.NoError(t, r.Unregister(ctx, "agent-1"))

	_, err := r.GetAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Empty(t, r.FindCapableAgents(ctx, []string{"x"}, false, false))
	assert.False(t, r.IsOnline(ctx, "agent-1"))
}

func TestStoreUnavailable(t *testing.T) {
	r, mr := setupTestRegistry(t, 0)
	ctx := context.Background()

	registerAgent(t, r, "agent-1", "worker", "x")
	mr.Close()

	// Reads degrade to empty results, never errors or panics.
	assert.Empty(t, r.FindCapableAgents(ctx, []string{"x"}, false, false))
	assert.Empty(t, r.ListAgents(ctx, "", false))
	assert.False(t, r.IsOnline(ctx, "agent-1"))

	stats := r.GetStats(ctx)
	assert.Zero(t, stats.TotalAgents)
	assert.Zero(t, stats.OnlineAgents)

	// Single-record lookup is the exception: it surfaces the store error
	// rather than reporting a registered agent as absent.
	_, err := r.GetAgent(ctx, "agent-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, redis.Nil)
}
