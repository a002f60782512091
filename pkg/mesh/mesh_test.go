package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/queue"
	"github.com/dyluth/warren/pkg/wire"
)

func setupTestMesh(t *testing.T) (*Mesh, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m, err := New(rdb, "test-instance")
	require.NoError(t, err)
	return m, mr, rdb
}

// subscribe opens a subscription and waits briefly so the underlying
// SUBSCRIBE is established before the test publishes.
func subscribe(t *testing.T, m *Mesh, patterns ...string) *Subscription {
	sub, err := m.Subscribe(context.Background(), patterns, "test-agent")
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	time.Sleep(50 * time.Millisecond)
	return sub
}

func waitForEvent(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "events channel closed before delivery")
		return event
	case err := <-sub.Errors():
		t.Fatalf("unexpected subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestNew(t *testing.T) {
	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := New(redis.NewClient(&redis.Options{}), "")
		assert.Error(t, err)
	})

	t.Run("reports its instance", func(t *testing.T) {
		m, _, _ := setupTestMesh(t)
		assert.Equal(t, "test-instance", m.InstanceName())
	})
}

func TestPublishSubscribe(t *testing.T) {
	m, _, _ := setupTestMesh(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		sub := subscribe(t, m, "alerts")

		event := NewEvent("", map[string]any{"severity": "high"})
		event.SenderID = "agent-1"
		id, err := m.Publish(ctx, "alerts", event, 0)
		require.NoError(t, err)
		assert.Equal(t, event.ID, id)

		got := waitForEvent(t, sub)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "agent-1", got.SenderID)
		assert.Equal(t, "results:alerts", got.Channel)
		assert.Equal(t, "high", got.Payload["severity"])
	})

	t.Run("rejects nil event", func(t *testing.T) {
		_, err := m.Publish(ctx, "alerts", nil, 0)
		assert.Error(t, err)
	})

	t.Run("rejects event without ID", func(t *testing.T) {
		_, err := m.Publish(ctx, "alerts", &Event{Payload: map[string]any{}}, 0)
		assert.Error(t, err)
	})

	t.Run("subscriber on another channel sees nothing", func(t *testing.T) {
		sub := subscribe(t, m, "other-channel")

		_, err := m.Publish(ctx, "alerts", NewEvent("", nil), 0)
		require.NoError(t, err)

		select {
		case event := <-sub.Events():
			t.Fatalf("unexpected event on unrelated channel: %+v", event)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestCapabilityNamedSubscription(t *testing.T) {
	m, _, _ := setupTestMesh(t)
	ctx := context.Background()

	// Subscribing by the raw capability name must receive replies published
	// on that capability's results channel.
	sub := subscribe(t, m, "translation:en-es")

	event := NewEvent("translation:en-es", map[string]any{"text": "hola"})
	_, err := m.Publish(ctx, wire.ResultsChannel("translation:en-es"), event, 0)
	require.NoError(t, err)

	got := waitForEvent(t, sub)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "results:translation_en-es", got.Channel)
	assert.Equal(t, "hola", got.Payload["text"])

	// The subscription is scoped to the capability family, so a sibling
	// capability's replies arrive too.
	sibling := NewEvent("translation:en-fr", nil)
	_, err = m.Publish(ctx, wire.ResultsChannel("translation:en-fr"), sibling, 0)
	require.NoError(t, err)
	assert.Equal(t, sibling.ID, waitForEvent(t, sub).ID)
}

func TestPatternSubscription(t *testing.T) {
	m, _, _ := setupTestMesh(t)
	ctx := context.Background()

	sub := subscribe(t, m, wire.ResultsPattern())

	for _, capability := range []string{"translation:en-es", "summarize"} {
		event := NewEvent(capability, map[string]any{"done": true})
		_, err := m.Publish(ctx, wire.ResultsChannel(capability), event, 0)
		require.NoError(t, err)
	}

	got := []string{waitForEvent(t, sub).Capability, waitForEvent(t, sub).Capability}
	assert.ElementsMatch(t, []string{"translation:en-es", "summarize"}, got)
}

func TestDurableEvents(t *testing.T) {
	m, mr, _ := setupTestMesh(t)
	ctx := context.Background()

	t.Run("persisted event is fetchable by ID", func(t *testing.T) {
		event := NewEvent("report", map[string]any{"rows": float64(42)})
		id, err := m.Publish(ctx, "reports", event, time.Minute)
		require.NoError(t, err)

		got, err := m.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, float64(42), got.Payload["rows"])
	})

	t.Run("expired event is gone", func(t *testing.T) {
		event := NewEvent("report", nil)
		id, err := m.Publish(ctx, "reports", event, time.Minute)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		_, err = m.GetEvent(ctx, id)
		assert.True(t, IsNotFound(err))
	})

	t.Run("fire-and-forget event is never stored", func(t *testing.T) {
		event := NewEvent("report", nil)
		id, err := m.Publish(ctx, "reports", event, 0)
		require.NoError(t, err)

		_, err = m.GetEvent(ctx, id)
		assert.True(t, IsNotFound(err))
	})
}

func TestPublishTask(t *testing.T) {
	m, _, rdb := setupTestMesh(t)
	ctx := context.Background()

	t.Run("enqueues and notifies", func(t *testing.T) {
		// Raw subscription on the capability's task channel to observe the
		// wake-up notification alongside the durable queue entry.
		raw := rdb.Subscribe(ctx, wire.Channel("test-instance", wire.TaskChannel("summarize")))
		t.Cleanup(func() { raw.Close() })
		time.Sleep(50 * time.Millisecond)

		task := queue.NewTask("summarize", map[string]any{"doc": "d-1"})
		id, err := m.PublishTask(ctx, task, "wf-9")
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, "wf-9", task.WorkflowID)

		select {
		case msg := <-raw.Channel():
			assert.Contains(t, msg.Payload, "wf-9")
		case <-time.After(2 * time.Second):
			t.Fatal("no wake-up notification published")
		}

		q, err := queue.New(rdb, "test-instance")
		require.NoError(t, err)
		popped, err := q.Pop(ctx, []string{"summarize"}, false, 0)
		require.NoError(t, err)
		require.NotNil(t, popped)
		assert.Equal(t, "wf-9", popped.WorkflowID)
	})

	t.Run("rejects nil task", func(t *testing.T) {
		_, err := m.PublishTask(ctx, nil, "wf-1")
		assert.Error(t, err)
	})
}

func TestSubscriptionClose(t *testing.T) {
	m, _, _ := setupTestMesh(t)

	sub, err := m.Subscribe(context.Background(), []string{"alerts"}, "closer")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "events channel must close after Close")
	case <-time.After(time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestSubscribeValidation(t *testing.T) {
	m, _, _ := setupTestMesh(t)

	_, err := m.Subscribe(context.Background(), nil, "nobody")
	assert.Error(t, err)
}
