package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/warren/pkg/mesh"
	"github.com/dyluth/warren/pkg/queue"
)

func TestMatchesEvent(t *testing.T) {
	event := &mesh.Event{
		ID:          "e-1",
		Capability:  "translation:en-es",
		SenderID:    "agent-1",
		CreatedAtMs: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"capability glob match", Criteria{CapabilityGlob: "translation:*"}, true},
		{"capability glob miss", Criteria{CapabilityGlob: "summar*"}, false},
		{"sender match", Criteria{SenderID: "agent-1"}, true},
		{"sender miss", Criteria{SenderID: "agent-2"}, false},
		{"since before event", Criteria{SinceTimestampMs: event.CreatedAtMs - 1000}, true},
		{"since after event", Criteria{SinceTimestampMs: event.CreatedAtMs + 1000}, false},
		{"until after event", Criteria{UntilTimestampMs: event.CreatedAtMs + 1000}, true},
		{"until before event", Criteria{UntilTimestampMs: event.CreatedAtMs - 1000}, false},
		{"all criteria", Criteria{
			CapabilityGlob:   "translation:*",
			SenderID:         "agent-1",
			SinceTimestampMs: event.CreatedAtMs - 1000,
			UntilTimestampMs: event.CreatedAtMs + 1000,
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.MatchesEvent(event))
		})
	}
}

func TestMatchesTask(t *testing.T) {
	task := queue.NewTask("summarize", nil)

	assert.True(t, (&Criteria{}).MatchesTask(task))
	assert.True(t, (&Criteria{CapabilityGlob: "summ*"}).MatchesTask(task))
	assert.False(t, (&Criteria{CapabilityGlob: "translation:*"}).MatchesTask(task))
	assert.False(t, (&Criteria{SinceTimestampMs: time.Now().Add(time.Hour).UnixMilli()}).MatchesTask(task))

	// Sender is event-only metadata and never excludes a task.
	assert.True(t, (&Criteria{SenderID: "agent-1"}).MatchesTask(task))
}

func TestHasFilters(t *testing.T) {
	assert.False(t, (&Criteria{}).HasFilters())
	assert.True(t, (&Criteria{SenderID: "a"}).HasFilters())
	assert.True(t, (&Criteria{SinceTimestampMs: 1}).HasFilters())
}
