package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/wire"
)

// pollInterval is the fixed interval a blocking Pop waits between attempts.
const pollInterval = 100 * time.Millisecond

// Queue provides instance-scoped work queue operations. Entries live in
// sorted sets; the score orders delivery (declared priority first, then
// age). The queue is safe for concurrent use.
type Queue struct {
	rdb          *redis.Client
	instanceName string
}

// New creates a queue client for the given instance.
// Returns an error if instanceName is empty.
func New(rdb *redis.Client, instanceName string) (*Queue, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Queue{rdb: rdb, instanceName: instanceName}, nil
}

// score computes the sorted-set score for a task becoming visible at ts.
// Declared priorities map to negative scores so the highest priority pops
// first; unprioritized tasks order by time (FIFO among equals).
func score(t *Task, ts time.Time) float64 {
	if t.Priority != 0 {
		return -float64(t.Priority)
	}
	return float64(ts.UnixNano()) / float64(time.Second)
}

// taskNotification is the wake-up message published alongside a push. Its
// JSON shape matches the mesh event encoding so mesh subscribers decode it
// like any other event.
type taskNotification struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	Capability  string         `json:"capability,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAtMs int64          `json:"created_at_ms"`
}

// Push enqueues a task. queueName defaults to the task's capability with
// colons replaced for transport safety. The sorted-set insert is the durable
// operation and its error propagates; the companion wake-up notification for
// idle consumers is best-effort.
func (q *Queue) Push(ctx context.Context, t *Task, queueName string) (string, error) {
	if t == nil {
		return "", fmt.Errorf("task cannot be nil")
	}
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("invalid task: %w", err)
	}

	if queueName == "" {
		queueName = wire.QueueNameForCapability(t.Capability)
	}

	member, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to serialize task: %w", err)
	}

	key := wire.QueueKey(q.instanceName, queueName)
	z := redis.Z{Score: score(t, time.Now()), Member: string(member)}
	if err := q.rdb.ZAdd(ctx, key, z).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.notify(ctx, t)
	return t.TaskID, nil
}

func (q *Queue) notify(ctx context.Context, t *Task) {
	n := taskNotification{
		ID:          uuid.New().String(),
		Channel:     wire.TaskChannel(t.Capability),
		Capability:  t.Capability,
		WorkflowID:  t.WorkflowID,
		Payload:     map[string]any{"task_id": t.TaskID},
		CreatedAtMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	channel := wire.Channel(q.instanceName, n.Channel)
	// Best-effort: a missed wake-up only delays a polling consumer.
	_ = q.rdb.Publish(ctx, channel, data).Err()
}

// Pop removes and returns the highest-priority (then oldest) task across the
// given queues, tried in order. Non-blocking mode returns (nil, nil) when all
// queues are empty. Blocking mode polls at a fixed interval until a task
// appears or timeout elapses; a timeout of 0 waits indefinitely and must be
// chosen deliberately.
func (q *Queue) Pop(ctx context.Context, queueNames []string, block bool, timeout time.Duration) (*Task, error) {
	if len(queueNames) == 0 {
		return nil, fmt.Errorf("at least one queue name is required")
	}

	deadline := time.Time{}
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		task, err := q.tryPop(ctx, queueNames)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if !block {
			return nil, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryPop attempts one pass over the queues. Entries scheduled for the future
// (delayed requeues) are put back and skipped.
func (q *Queue) tryPop(ctx context.Context, queueNames []string) (*Task, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	for _, name := range queueNames {
		key := wire.QueueKey(q.instanceName, name)
		popped, err := q.rdb.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to pop from queue %s: %w", name, err)
		}
		if len(popped) == 0 {
			continue
		}

		entry := popped[0]
		// Positive scores are visibility times; future entries go back.
		if entry.Score > now {
			if err := q.rdb.ZAdd(ctx, key, entry).Err(); err != nil {
				return nil, fmt.Errorf("failed to restore delayed task: %w", err)
			}
			continue
		}

		member, ok := entry.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type in queue %s", name)
		}
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			return nil, fmt.Errorf("failed to deserialize task from queue %s: %w", name, err)
		}
		return &task, nil
	}
	return nil, nil
}

// Requeue returns a failed task to the queue, incrementing its attempt count.
// A positive delay defers visibility without blocking. Once attempts reach
// max_attempts the task moves to the dead-letter queue with a failure record
// and is terminal; normal pops never return it again.
func (q *Queue) Requeue(ctx context.Context, t *Task, delay time.Duration) error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	t.Attempts++
	if t.Attempts >= t.MaxAttempts {
		return q.deadLetter(ctx, t)
	}

	member, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	key := wire.QueueKey(q.instanceName, wire.QueueNameForCapability(t.Capability))
	visibleAt := time.Now().Add(delay)
	z := redis.Z{
		Score:  float64(visibleAt.UnixNano()) / float64(time.Second),
		Member: string(member),
	}
	if err := q.rdb.ZAdd(ctx, key, z).Err(); err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// deadLetter moves the task to the terminal queue and writes its failure
// record. The task was already removed from the active queue by Pop, so it is
// never present in both.
func (q *Queue) deadLetter(ctx context.Context, t *Task) error {
	member, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	dlqKey := wire.QueueKey(q.instanceName, wire.DeadLetterQueue)
	z := redis.Z{Score: float64(time.Now().UnixNano()) / float64(time.Second), Member: string(member)}
	if err := q.rdb.ZAdd(ctx, dlqKey, z).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter task: %w", err)
	}

	record := FailureRecord{Task: t, FailedAt: time.Now().UTC(), Attempts: t.Attempts}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize failure record: %w", err)
	}
	recordKey := wire.FailedTaskKey(q.instanceName, t.TaskID)
	if err := q.rdb.Set(ctx, recordKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write failure record: %w", err)
	}
	return nil
}

// DeadLetterTasks returns up to limit tasks from the dead-letter queue,
// oldest first. A limit of 0 returns all of them.
func (q *Queue) DeadLetterTasks(ctx context.Context, limit int64) ([]*Task, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}

	key := wire.QueueKey(q.instanceName, wire.DeadLetterQueue)
	members, err := q.rdb.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter queue: %w", err)
	}

	tasks := make([]*Task, 0, len(members))
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			return nil, fmt.Errorf("failed to deserialize dead-lettered task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// FailureRecordFor returns the failure record for a dead-lettered task.
// Returns (nil, redis.Nil) if no record exists.
func (q *Queue) FailureRecordFor(ctx context.Context, taskID string) (*FailureRecord, error) {
	key := wire.FailedTaskKey(q.instanceName, taskID)
	data, err := q.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var record FailureRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize failure record: %w", err)
	}
	return &record, nil
}

// ScanFailedTaskIDs returns the IDs of failure records whose task ID starts
// with the given prefix. An empty prefix matches every record.
func (q *Queue) ScanFailedTaskIDs(ctx context.Context, prefix string) ([]string, error) {
	pattern := wire.FailedTaskKey(q.instanceName, prefix+"*")
	keyPrefix := wire.FailedTaskKey(q.instanceName, "")

	var ids []string
	var cursor uint64
	for {
		batch, next, err := q.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure records: %w", err)
		}
		for _, key := range batch {
			ids = append(ids, key[len(keyPrefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return ids, nil
}

// Stats returns the depth of every queue in the instance, keyed by queue
// name. Reads are pipelined into a single round trip after the key scan.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	var keys []string
	var cursor uint64
	pattern := wire.QueueKeyPattern(q.instanceName)
	for {
		batch, next, err := q.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queues: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	if len(keys) == 0 {
		return map[string]int64{}, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.ZCard(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}

	prefix := wire.QueueKey(q.instanceName, "")
	stats := make(map[string]int64, len(keys))
	for i, key := range keys {
		stats[key[len(prefix):]] = cmds[i].Val()
	}
	return stats, nil
}
