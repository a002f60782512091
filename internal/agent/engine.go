// Package agent is the long-running worker runtime. It registers the agent
// in the directory, keeps its heartbeat alive, consumes tasks from the work
// queue, and publishes result events correlated by workflow ID.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/mesh"
	"github.com/dyluth/warren/pkg/queue"
	"github.com/dyluth/warren/pkg/registry"
	"github.com/dyluth/warren/pkg/wire"
)

// popTimeout bounds each blocking queue wait so the worker loop can observe
// shutdown between waits.
const popTimeout = 2 * time.Second

// Handler executes one task for a capability. The returned payload becomes
// the result event; an error requeues the task for retry.
type Handler func(ctx context.Context, task *queue.Task) (map[string]any, error)

// Card is the agent's self-description, served to peers that ask who they
// are talking to.
type Card struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Engine is the core agent runtime. It manages two concurrent goroutines:
//   - heartbeat loop: refreshes the registry liveness key
//   - worker loop: pops tasks, dispatches handlers, publishes results
//
// The engine coordinates shutdown through context cancellation; Start blocks
// until both loops exit.
type Engine struct {
	config   *Config
	version  string
	mesh     *mesh.Mesh
	queue    *queue.Queue
	registry *registry.Registry

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

// New creates an agent engine over the given store connection. The engine is
// ready to be started but does not touch the store until Start is called.
func New(config *Config, rdb *redis.Client, version string) (*Engine, error) {
	m, err := mesh.New(rdb, config.InstanceName)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(rdb, config.InstanceName)
	if err != nil {
		return nil, err
	}
	r, err := registry.New(rdb, config.InstanceName, config.HeartbeatTTL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		config:   config,
		version:  version,
		mesh:     m,
		queue:    q,
		registry: r,
		handlers: make(map[string]Handler),
	}, nil
}

// RegisterHandler installs the handler for a capability. Tasks popped for a
// capability with no handler are requeued for another agent.
func (e *Engine) RegisterHandler(capability string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[capability] = h
}

// Card returns the agent's self-description.
func (e *Engine) Card() Card {
	return Card{
		AgentID:      e.config.AgentID,
		Name:         e.config.AgentName,
		Version:      e.version,
		Capabilities: append([]string(nil), e.config.Capabilities...),
	}
}

// Start registers the agent, launches the heartbeat and worker goroutines,
// and blocks until context cancellation. On shutdown the agent unregisters
// so peers stop routing to it immediately rather than waiting out the
// heartbeat TTL.
func (e *Engine) Start(ctx context.Context) error {
	info := &registry.AgentInfo{
		AgentID:      e.config.AgentID,
		AgentType:    e.config.AgentType,
		Capabilities: e.config.Capabilities,
		Metadata:     map[string]string{"name": e.config.AgentName, "version": e.version},
	}
	agentID, err := e.registry.Register(ctx, info)
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	e.config.AgentID = agentID
	log.Printf("[INFO] Agent starting: id=%s name=%s instance=%s capabilities=%v",
		agentID, e.config.AgentName, e.config.InstanceName, e.config.Capabilities)

	e.wg.Add(1)
	go e.heartbeatLoop(ctx)

	e.wg.Add(1)
	go e.workerLoop(ctx)

	<-ctx.Done()
	log.Printf("[INFO] Shutdown signal received, initiating graceful shutdown")

	e.wg.Wait()

	// The parent context is done; use a short independent deadline for the
	// final store writes.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.registry.Unregister(cleanupCtx, agentID); err != nil {
		log.Printf("[WARN] Failed to unregister agent %s: %v", agentID, err)
	}

	log.Printf("[INFO] Agent %s shutdown complete", agentID)
	return nil
}

// heartbeatLoop refreshes the liveness key at half the TTL so a single
// missed beat never marks the agent offline.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	defer log.Printf("[DEBUG] Heartbeat loop exited cleanly")

	ttl := e.config.HeartbeatTTL
	if ttl <= 0 {
		ttl = registry.DefaultHeartbeatTTL
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.registry.Heartbeat(ctx, e.config.AgentID); err != nil && ctx.Err() == nil {
				log.Printf("[WARN] Heartbeat failed: %v", err)
			}
		}
	}
}

// workerLoop pops tasks across the agent's capability queues and dispatches
// them. Pop order follows the configured capability order, so earlier
// capabilities drain first.
func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	defer log.Printf("[DEBUG] Worker loop exited cleanly")

	queues := make([]string, len(e.config.Capabilities))
	for i, capability := range e.config.Capabilities {
		queues[i] = wire.QueueNameForCapability(capability)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.queue.Pop(ctx, queues, true, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[WARN] Failed to pop task: %v", err)
			continue
		}
		if task == nil {
			continue
		}

		e.execute(ctx, task)
	}
}

// execute runs the handler for one task and publishes the result event. A
// handler error or missing handler requeues the task; exhausted tasks
// dead-letter inside Requeue.
func (e *Engine) execute(ctx context.Context, task *queue.Task) {
	e.mu.RLock()
	handler, ok := e.handlers[task.Capability]
	e.mu.RUnlock()

	if !ok {
		log.Printf("[WARN] No handler for capability %s, requeueing task %s", task.Capability, task.TaskID)
		if err := e.queue.Requeue(ctx, task, time.Second); err != nil {
			log.Printf("[ERROR] Failed to requeue task %s: %v", task.TaskID, err)
		}
		return
	}

	log.Printf("[DEBUG] Executing task %s capability=%s attempt=%d", task.TaskID, task.Capability, task.Attempts+1)
	payload, err := handler(ctx, task)
	if err != nil {
		log.Printf("[WARN] Task %s failed: %v", task.TaskID, err)
		if requeueErr := e.queue.Requeue(ctx, task, time.Second); requeueErr != nil {
			log.Printf("[ERROR] Failed to requeue task %s: %v", task.TaskID, requeueErr)
		}
		return
	}

	result := mesh.NewEvent(task.Capability, payload)
	result.SenderID = e.config.AgentID
	result.WorkflowID = task.WorkflowID
	if _, err := e.mesh.Publish(ctx, wire.ResultsChannel(task.Capability), result, 0); err != nil {
		log.Printf("[ERROR] Failed to publish result for task %s: %v", task.TaskID, err)
		return
	}
	log.Printf("[INFO] Task %s completed, result event %s published", task.TaskID, result.ID)
}
