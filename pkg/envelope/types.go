// Package envelope defines the signed message unit exchanged between agents
// and its verification state machine. An envelope is constructed unsigned by
// a sender, signed exactly once over a canonical encoding, transmitted, and
// verified at most meaningfully once per nonce. A responder never mutates a
// received envelope; it constructs a new one for the reply.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Capability identifies a requestable function. Name may use a
// colon-delimited hierarchical form, e.g. "translation:en-es".
type Capability struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Budget is the caller-declared resource ceiling for a request.
// TimeMs doubles as the router's wait timeout.
type Budget struct {
	Tokens    int      `json:"tokens"`
	TimeMs    int      `json:"time_ms"`
	ToolCalls int      `json:"tool_calls"`
	CostUSD   *float64 `json:"cost_usd,omitempty"`
}

// Envelope is the signed message unit. Signature, when present,
// authenticates every other field under the canonical encoding.
type Envelope struct {
	RequestID    string         `json:"request_id"`
	SenderID     string         `json:"sender_id"`
	ReceiverID   string         `json:"receiver_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Nonce        string         `json:"nonce"`
	Capabilities []Capability   `json:"capabilities"`
	Budget       Budget         `json:"budget"`
	Payload      map[string]any `json:"payload"`
	Signature    string         `json:"signature,omitempty"`
}

// New constructs an unsigned envelope with a fresh request ID and nonce.
func New(senderID, receiverID string, capabilities []Capability, budget Budget, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		RequestID:    uuid.New().String(),
		SenderID:     senderID,
		ReceiverID:   receiverID,
		CreatedAt:    time.Now().UTC(),
		Nonce:        uuid.New().String(),
		Capabilities: capabilities,
		Budget:       budget,
		Payload:      payload,
	}
}

// Validate checks that the envelope carries the fields every recipient
// depends on. Signature validity is checked separately by a Validator.
func (e *Envelope) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("request_id cannot be empty")
	}
	if e.SenderID == "" {
		return fmt.Errorf("sender_id cannot be empty")
	}
	if e.ReceiverID == "" {
		return fmt.Errorf("receiver_id cannot be empty")
	}
	if e.Nonce == "" {
		return fmt.Errorf("nonce cannot be empty")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at cannot be zero")
	}
	for i, c := range e.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("capability at index %d has empty name", i)
		}
	}
	return nil
}
