// Package router bridges externally received signed requests onto the
// internal work queue and correlates asynchronous replies back to their
// requests.
//
// Each in-flight request moves through a small state machine: pending until
// either a reply event carrying its workflow ID arrives, the caller's budget
// elapses, or the router shuts down. Late replies for requests that already
// resolved or timed out are silently dropped.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/warren/pkg/envelope"
	"github.com/dyluth/warren/pkg/mesh"
	"github.com/dyluth/warren/pkg/queue"
	"github.com/dyluth/warren/pkg/wire"
)

// DefaultTimeout bounds the reply wait for requests that declare no time
// budget.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNoCapability means the envelope declared no capability to route on.
	ErrNoCapability = errors.New("no capability specified")

	// ErrTimeout means no reply arrived within the caller's declared budget.
	ErrTimeout = errors.New("no response within budget")

	// ErrStopped means the router shut down while the request was pending.
	ErrStopped = errors.New("router stopped")
)

// Router correlates requests and replies over the event mesh. It owns the
// pending-request table; handlers never share completion state.
type Router struct {
	mesh           *mesh.Mesh
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *mesh.Event
	stopped bool

	sub    *mesh.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a router over the given mesh. A non-positive defaultTimeout
// selects the package default.
func New(m *mesh.Mesh, defaultTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Router{
		mesh:           m,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]chan *mesh.Event),
		done:           make(chan struct{}),
	}
}

// Start subscribes to the shared result channel and begins dispatching
// replies to pending requests. Must be called before Route.
func (r *Router) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := r.mesh.Subscribe(subCtx, []string{wire.ResultsPattern()}, "router")
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to results: %w", err)
	}
	r.sub = sub
	r.cancel = cancel

	go func() {
		for event := range sub.Events() {
			r.onResult(event)
		}
	}()
	return nil
}

// Stop shuts the router down. Every still-pending request resolves with
// ErrStopped rather than leaking its waiter.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.pending = make(map[string]chan *mesh.Event)
	r.mu.Unlock()

	close(r.done)
	if r.sub != nil {
		r.sub.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Route enqueues the envelope as a task for the capability's workers and
// waits for the correlated reply. The queue push is the durable record, so a
// request survives until a worker pops it; the push's companion wake-up
// notification is best-effort. Multi-capability requests route on the first
// listed capability only. The wait is bounded by the envelope's time budget,
// or the router's default when the budget declares none.
//
// Outcomes are bounded: the reply event, ErrNoCapability, ErrTimeout,
// ErrStopped, context cancellation, or a propagated enqueue error. Callers
// never hang past the declared budget.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (*mesh.Event, error) {
	if env == nil || len(env.Capabilities) == 0 {
		return nil, ErrNoCapability
	}
	capability := env.Capabilities[0].Name

	task := queue.NewTask(capability, env.Payload)

	replyCh := make(chan *mesh.Event, 1)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	r.pending[env.RequestID] = replyCh
	r.mu.Unlock()

	if _, err := r.mesh.PublishTask(ctx, task, env.RequestID); err != nil {
		r.removePending(env.RequestID)
		return nil, fmt.Errorf("failed to enqueue request %s: %w", env.RequestID, err)
	}

	timeout := r.defaultTimeout
	if env.Budget.TimeMs > 0 {
		timeout = time.Duration(env.Budget.TimeMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		r.removePending(env.RequestID)
		return nil, fmt.Errorf("request %s: %w after %v", env.RequestID, ErrTimeout, timeout)
	case <-ctx.Done():
		r.removePending(env.RequestID)
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrStopped
	}
}

// onResult resolves the pending request matching the event's workflow ID.
// Events with no pending entry (already resolved, timed out, or unknown) are
// discarded without error; the router tolerates duplicate and orphaned
// replies.
func (r *Router) onResult(event *mesh.Event) {
	if event == nil || event.WorkflowID == "" {
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[event.WorkflowID]
	if ok {
		delete(r.pending, event.WorkflowID)
	}
	r.mu.Unlock()

	if ok {
		ch <- event
	}
}

// PendingCount reports the number of in-flight requests, for diagnostics.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) removePending(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
