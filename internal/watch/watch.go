// Package watch streams fabric events to a callback, backing the CLI's
// live-tail command, and provides polling helpers for durable events.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/warren/pkg/mesh"
)

// Stream subscribes to the given channel patterns and invokes onEvent for
// every delivered event until the context is cancelled. Undecodable messages
// are skipped. Returns nil on cancellation.
func Stream(ctx context.Context, m *mesh.Mesh, patterns []string, onEvent func(*mesh.Event)) error {
	sub, err := m.Subscribe(ctx, patterns, "watch")
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			onEvent(event)

		case <-sub.Errors():
			// Malformed messages are dropped; the stream continues.
		}
	}
}

// PollForEvent polls for a durably stored event by ID.
// Returns the event or an error if timeout occurs.
// Polls every 200ms for the specified timeout duration.
func PollForEvent(ctx context.Context, m *mesh.Mesh, eventID string, timeout time.Duration) (*mesh.Event, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for event %s after %v", eventID, timeout)

		case <-ticker.C:
			event, err := m.GetEvent(ctx, eventID)
			if err != nil {
				if mesh.IsNotFound(err) {
					// Not stored yet, continue polling
					continue
				}
				return nil, fmt.Errorf("failed to query for event: %w", err)
			}

			return event, nil
		}
	}
}
