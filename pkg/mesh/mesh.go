// Package mesh is the thin publish/subscribe layer over the coordination
// store. It translates logical capability names to wire channel names,
// delivers events to live subscribers via Redis Pub/Sub, and optionally
// persists events so late subscribers can replay the most recent value.
//
// Pub/Sub alone is fire-and-forget: there is no delivery guarantee to absent
// subscribers. The durable record of work is the work queue, not the
// notification.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/queue"
	"github.com/dyluth/warren/pkg/wire"
)

// Mesh provides instance-scoped pub/sub operations. All channels are
// automatically namespaced with the instance name. The mesh is safe for
// concurrent use.
type Mesh struct {
	rdb          *redis.Client
	instanceName string
	queue        *queue.Queue
}

// New creates a mesh for the given instance.
// Returns an error if instanceName is empty.
func New(rdb *redis.Client, instanceName string) (*Mesh, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	q, err := queue.New(rdb, instanceName)
	if err != nil {
		return nil, err
	}
	return &Mesh{rdb: rdb, instanceName: instanceName, queue: q}, nil
}

// InstanceName returns the instance this mesh is scoped to.
func (m *Mesh) InstanceName() string {
	return m.instanceName
}

// Ping verifies connectivity to the coordination store.
func (m *Mesh) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Publish delivers the event to the live pub/sub channel. When ttl is
// positive the event is additionally persisted under its ID with that
// expiry, enabling late subscribers to fetch the most recent value.
// Store errors propagate: publishing has no safe empty fallback.
func (m *Mesh) Publish(ctx context.Context, channel string, event *Event, ttl time.Duration) (string, error) {
	if event == nil {
		return "", fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		return "", fmt.Errorf("event ID cannot be empty")
	}
	if event.CreatedAtMs == 0 {
		event.CreatedAtMs = time.Now().UnixMilli()
	}
	event.Channel = wire.NormalizeChannel(channel)

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	wireChannel := wire.Channel(m.instanceName, event.Channel)
	if err := m.rdb.Publish(ctx, wireChannel, data).Err(); err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	if ttl > 0 {
		key := wire.EventKey(m.instanceName, event.ID)
		if err := m.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			return "", fmt.Errorf("failed to persist event: %w", err)
		}
	}

	return event.ID, nil
}

// GetEvent fetches a durably stored event by ID.
// Returns (nil, redis.Nil) if the event was never persisted or has expired.
func (m *Mesh) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	key := wire.EventKey(m.instanceName, eventID)
	data, err := m.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read event from store: %w", err)
	}

	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored event: %w", err)
	}
	return &event, nil
}

// PublishTask enqueues the task for pull-based consumption and notifies
// listeners on the capability's task channel. The queue push is the durable
// record of work and its error propagates; the wake-up notification is
// best-effort.
func (m *Mesh) PublishTask(ctx context.Context, task *queue.Task, workflowID string) (string, error) {
	if task == nil {
		return "", fmt.Errorf("task cannot be nil")
	}
	if workflowID != "" {
		task.WorkflowID = workflowID
	}
	return m.queue.Push(ctx, task, "")
}

// Subscription is an active pub/sub subscription delivering events on a
// buffered channel. Caller must Close() when done; context cancellation also
// stops the subscription. Within one channel, delivery preserves publish
// order as provided by Redis Pub/Sub; across channels no ordering is implied.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of delivered events. It is closed when the
// subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors, such as
// undecodable messages. The subscription continues after errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe registers for events matching the given channel patterns. Each
// pattern is normalized through the capability-to-channel mapping and
// namespaced to the instance; patterns containing a wildcard use pattern
// subscription. agentID identifies the subscriber for diagnostics only.
func (m *Mesh) Subscribe(ctx context.Context, patterns []string, agentID string) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one channel pattern is required")
	}

	wirePatterns := make([]string, len(patterns))
	wildcard := false
	for i, p := range patterns {
		normalized := wire.NormalizeChannel(p)
		if strings.Contains(normalized, "*") {
			wildcard = true
		}
		wirePatterns[i] = wire.Channel(m.instanceName, normalized)
	}

	var pubsub *redis.PubSub
	if wildcard {
		pubsub = m.rdb.PSubscribe(ctx, wirePatterns...)
	} else {
		pubsub = m.rdb.Subscribe(ctx, wirePatterns...)
	}

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event for %s: %w", agentID, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a "key not found" error from the
// coordination store.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
