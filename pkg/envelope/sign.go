package envelope

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer produces a signature over canonical bytes.
type Signer interface {
	Sign(data []byte) (string, error)
}

// Verifier checks a signature produced by a matching Signer.
// Implementations must treat malformed signatures as a mismatch, not a panic.
type Verifier interface {
	Verify(data []byte, signature string) bool
}

// HMACKey is the symmetric scheme: both sides hold the shared secret and the
// same key signs and verifies. Signatures are hex-encoded HMAC-SHA256.
type HMACKey struct {
	secret []byte
}

// NewHMACKey wraps a shared secret. Returns an error for an empty secret.
func NewHMACKey(secret []byte) (*HMACKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("shared secret cannot be empty")
	}
	return &HMACKey{secret: append([]byte(nil), secret...)}, nil
}

// Sign implements Signer.
func (k *HMACKey) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify implements Verifier using a constant-time comparison.
func (k *HMACKey) Verify(data []byte, signature string) bool {
	want, err := k.Sign(data)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(wantRaw, got)
}

// Ed25519Signer is the sending half of the asymmetric scheme: the sender
// signs with its private key and receivers verify with the sender's known
// public key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps a private key. Returns an error on a key of the
// wrong size.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size: %d", len(priv))
	}
	return &Ed25519Signer{priv: priv}, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

// Ed25519Verifier is the receiving half of the asymmetric scheme.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier wraps a sender's public key.
func NewEd25519Verifier(pub ed25519.PublicKey) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size: %d", len(pub))
	}
	return &Ed25519Verifier{pub: pub}, nil
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(data []byte, signature string) bool {
	raw, err := hex.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pub, data, raw)
}

// Sign canonicalizes the envelope and attaches the signature.
// An envelope is signed once; re-signing is an error.
func Sign(e *Envelope, signer Signer) error {
	if e.Signature != "" {
		return fmt.Errorf("envelope %s is already signed", e.RequestID)
	}
	data, err := e.Canonical()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return fmt.Errorf("failed to sign envelope %s: %w", e.RequestID, err)
	}
	e.Signature = sig
	return nil
}
