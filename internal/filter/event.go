// Package filter matches fabric events and tasks against CLI filter flags.
package filter

import (
	"path/filepath"

	"github.com/dyluth/warren/pkg/mesh"
	"github.com/dyluth/warren/pkg/queue"
)

// Criteria defines filtering criteria for events and tasks.
// All filters are ANDed together - an item must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	CapabilityGlob   string // Glob pattern for capability, empty = no filter
	SenderID         string // Exact match for the sending agent, empty = no filter
}

// MatchesEvent returns true if the event matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) MatchesEvent(e *mesh.Event) bool {
	if c.SinceTimestampMs > 0 && e.CreatedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && e.CreatedAtMs > c.UntilTimestampMs {
		return false
	}

	if c.CapabilityGlob != "" {
		matched, err := filepath.Match(c.CapabilityGlob, e.Capability)
		if err != nil || !matched {
			return false
		}
	}

	if c.SenderID != "" && e.SenderID != c.SenderID {
		return false
	}

	return true
}

// MatchesTask returns true if the task matches the time and capability
// criteria. Tasks carry no sender, so SenderID is ignored here.
func (c *Criteria) MatchesTask(t *queue.Task) bool {
	createdMs := t.CreatedAt.UnixMilli()
	if c.SinceTimestampMs > 0 && createdMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && createdMs > c.UntilTimestampMs {
		return false
	}

	if c.CapabilityGlob != "" {
		matched, err := filepath.Match(c.CapabilityGlob, t.Capability)
		if err != nil || !matched {
			return false
		}
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.CapabilityGlob != "" ||
		c.SenderID != ""
}
