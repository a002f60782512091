// Package wire defines the Redis key and Pub/Sub channel naming contract
// shared by every Warren component. Producers and consumers deployed as
// independent processes interoperate only through this scheme, so the
// functions here must stay bit-compatible across releases.
//
// All keys and channels are namespaced by instance name to enable multiple
// Warren instances to safely coexist on a single Redis server.
//
// Key pattern: warren:{instance_name}:{entity}:{id}
// Channel pattern: warren:{instance_name}:{prefix}:{name}
package wire

import (
	"fmt"
	"strings"
)

// Channel prefixes carried on the wire. A channel name is routed by its
// prefix: tasks for work notifications, results for reply correlation,
// channel for free-form application channels.
const (
	TasksPrefix   = "tasks:"
	ResultsPrefix = "results:"
	ChannelPrefix = "channel:"
)

// DeadLetterQueue is the fixed name of the terminal queue for tasks that
// exhausted their retry budget.
const DeadLetterQueue = "dead_letter"

// RegistryChannel is the channel carrying agent registration notifications.
const RegistryChannel = ChannelPrefix + "registry"

// Safe converts a capability name into a transport-safe token by replacing
// colons (the capability hierarchy separator) with underscores.
func Safe(capability string) string {
	return strings.ReplaceAll(capability, ":", "_")
}

// AgentKey returns the Redis key for an agent's directory hash.
// Pattern: warren:{instance_name}:agent:{agent_id}
func AgentKey(instanceName, agentID string) string {
	return fmt.Sprintf("warren:%s:agent:%s", instanceName, agentID)
}

// AgentsKey returns the Redis key for the set of all registered agent IDs.
// Pattern: warren:{instance_name}:agents
func AgentsKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:agents", instanceName)
}

// CapabilityIndexKey returns the Redis key for a capability's index set.
// Pattern: warren:{instance_name}:capability:{capability_with_underscores}
func CapabilityIndexKey(instanceName, capability string) string {
	return fmt.Sprintf("warren:%s:capability:%s", instanceName, Safe(capability))
}

// AgentTypeKey returns the Redis key for an agent type's index set.
// Pattern: warren:{instance_name}:agent_type:{agent_type}
func AgentTypeKey(instanceName, agentType string) string {
	return fmt.Sprintf("warren:%s:agent_type:%s", instanceName, agentType)
}

// HeartbeatKey returns the Redis key for an agent's expiring liveness marker.
// The key's mere existence is the liveness signal.
// Pattern: warren:{instance_name}:heartbeat:{agent_id}
func HeartbeatKey(instanceName, agentID string) string {
	return fmt.Sprintf("warren:%s:heartbeat:%s", instanceName, agentID)
}

// QueueKey returns the Redis key for a work queue sorted set.
// Pattern: warren:{instance_name}:queue:{queue_name}
func QueueKey(instanceName, queueName string) string {
	return fmt.Sprintf("warren:%s:queue:%s", instanceName, queueName)
}

// QueueKeyPattern returns the SCAN pattern matching every queue in an instance.
func QueueKeyPattern(instanceName string) string {
	return fmt.Sprintf("warren:%s:queue:*", instanceName)
}

// QueueNameForCapability derives the default queue name from a capability.
func QueueNameForCapability(capability string) string {
	return Safe(capability)
}

// FailedTaskKey returns the Redis key for a dead-lettered task's failure record.
// Pattern: warren:{instance_name}:failed_task:{task_id}
func FailedTaskKey(instanceName, taskID string) string {
	return fmt.Sprintf("warren:%s:failed_task:%s", instanceName, taskID)
}

// NonceKey returns the Redis key recording a seen nonce.
// Pattern: warren:{instance_name}:nonce:{namespace}:{nonce}
func NonceKey(instanceName, namespace, nonce string) string {
	return fmt.Sprintf("warren:%s:nonce:%s:%s", instanceName, namespace, nonce)
}

// NonceKeyPattern returns the SCAN pattern matching every nonce in a namespace.
func NonceKeyPattern(instanceName, namespace string) string {
	return fmt.Sprintf("warren:%s:nonce:%s:*", instanceName, namespace)
}

// EventKey returns the Redis key for a durably stored event.
// Pattern: warren:{instance_name}:event:{event_id}
func EventKey(instanceName, eventID string) string {
	return fmt.Sprintf("warren:%s:event:%s", instanceName, eventID)
}

// Channel namespaces a logical channel name for the wire.
// Pattern: warren:{instance_name}:{channel}
func Channel(instanceName, channel string) string {
	return fmt.Sprintf("warren:%s:%s", instanceName, channel)
}

// TaskChannel returns the notification channel for a capability's tasks.
// Pattern: tasks:{capability_with_underscores}
func TaskChannel(capability string) string {
	return TasksPrefix + Safe(capability)
}

// ResultsChannel returns the reply channel for a workflow. Replies for every
// capability of one instance share the results prefix so a router can
// correlate them with a single pattern subscription.
func ResultsChannel(capability string) string {
	return ResultsPrefix + Safe(capability)
}

// ResultsPattern returns the pattern a router subscribes to in order to
// receive every reply published in the instance.
func ResultsPattern() string {
	return ResultsPrefix + "*"
}

// NormalizeChannel maps a logical channel or capability name to its wire
// channel name. Names already carrying a recognized prefix pass through with
// their prefix semantics preserved. A capability containing a colon derives a
// wildcard result-subscription pattern scoped to its first segment, in the
// transport-safe form ResultsChannel publishes on, so the pattern matches
// every reply channel of that capability family. Anything else defaults to
// the results prefix.
//
// The mapping is deterministic: a producer and consumer independently compute
// compatible channels from the same capability string.
func NormalizeChannel(name string) string {
	switch {
	case strings.HasPrefix(name, TasksPrefix),
		strings.HasPrefix(name, ResultsPrefix),
		strings.HasPrefix(name, ChannelPrefix):
		return name
	case strings.Contains(name, ":"):
		segment := strings.SplitN(name, ":", 2)[0]
		return ResultsPrefix + segment + "_*"
	default:
		return ResultsPrefix + name
	}
}
