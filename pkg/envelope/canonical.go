package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// canonicalTimeFormat is the fixed timestamp encoding used under signatures.
// RFC 3339 with nanoseconds, always UTC.
const canonicalTimeFormat = time.RFC3339Nano

// Canonical returns the deterministic byte encoding of the envelope minus its
// signature. Two structurally equal envelopes canonicalize identically
// regardless of field insertion order: the encoding is JSON with
// lexicographically sorted keys (encoding/json sorts map keys), no
// whitespace, and fixed-format UTC timestamps.
func (e *Envelope) Canonical() ([]byte, error) {
	caps := make([]map[string]any, len(e.Capabilities))
	for i, c := range e.Capabilities {
		scopes := c.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		caps[i] = map[string]any{
			"name":    c.Name,
			"version": c.Version,
			"scopes":  scopes,
		}
	}

	budget := map[string]any{
		"tokens":     e.Budget.Tokens,
		"time_ms":    e.Budget.TimeMs,
		"tool_calls": e.Budget.ToolCalls,
	}
	if e.Budget.CostUSD != nil {
		budget["cost_usd"] = *e.Budget.CostUSD
	}

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	doc := map[string]any{
		"request_id":   e.RequestID,
		"sender_id":    e.SenderID,
		"receiver_id":  e.ReceiverID,
		"created_at":   e.CreatedAt.UTC().Format(canonicalTimeFormat),
		"nonce":        e.Nonce,
		"capabilities": caps,
		"budget":       budget,
		"payload":      payload,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}
	return data, nil
}
