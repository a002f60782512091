package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/envelope"
)

// Event is the unit carried on the pub/sub fabric. Payload is the message
// body; the remaining fields are routing and correlation metadata.
type Event struct {
	ID          string           `json:"id"`
	Channel     string           `json:"channel"`
	SenderID    string           `json:"sender_id,omitempty"`
	ReceiverID  string           `json:"receiver_id,omitempty"`
	Capability  string           `json:"capability,omitempty"`
	WorkflowID  string           `json:"workflow_id,omitempty"`
	Budget      *envelope.Budget `json:"budget,omitempty"`
	Payload     map[string]any   `json:"payload"`
	CreatedAtMs int64            `json:"created_at_ms"`
}

// NewEvent constructs an event with a fresh ID and creation timestamp.
func NewEvent(capability string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:          uuid.New().String(),
		Capability:  capability,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

// Validate checks the fields every subscriber depends on.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	if e.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	return nil
}
