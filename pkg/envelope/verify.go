package envelope

import (
	"context"
	"time"

	"github.com/dyluth/warren/pkg/nonce"
)

// DefaultClockSkew is the maximum tolerated difference between an envelope's
// created_at and the receiver's clock when freshness is required.
const DefaultClockSkew = 30 * time.Second

// Validator verifies envelopes end to end. Each Validator owns its injected
// nonce store; there is no process-global replay cache, so independent
// verifiers (and tests) never share state.
type Validator struct {
	key    Verifier
	nonces *nonce.Store
}

// NewValidator builds a Validator from a verification key and a nonce store.
func NewValidator(key Verifier, nonces *nonce.Store) *Validator {
	return &Validator{key: key, nonces: nonces}
}

// Verify reports whether the envelope's signature authenticates its canonical
// encoding. It fails closed: malformed signatures, canonicalization failures,
// and nonce replays all return false, never an error.
//
// The nonce store is consulted first; a previously seen nonce fails
// immediately without attempting cryptographic checks. The nonce is recorded
// on every verification attempt regardless of the cryptographic outcome,
// which blocks retry floods on forged signatures at the cost of burning the
// nonce if a legitimate envelope arrives corrupted.
func (v *Validator) Verify(ctx context.Context, e *Envelope) bool {
	if e == nil || e.Signature == "" || e.Nonce == "" {
		return false
	}

	// Replay short-circuit; also the point where the nonce gets burned.
	if !v.nonces.CheckAndAdd(ctx, e.Nonce) {
		return false
	}

	data, err := e.Canonical()
	if err != nil {
		return false
	}
	return v.key.Verify(data, e.Signature)
}

// CheckTimestamp reports whether the envelope's created_at is within skew of
// the receiver's clock. It is independent of signature validity; callers that
// require freshness must check it in addition to Verify.
func CheckTimestamp(e *Envelope, skew time.Duration) bool {
	if e == nil || e.CreatedAt.IsZero() {
		return false
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	diff := time.Since(e.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= skew
}
