package envelope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/nonce"
)

func setupNonceStore(t *testing.T) *nonce.Store {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := nonce.New(rdb, "test-instance", nonce.Options{})
	require.NoError(t, err)
	return store
}

func testEnvelope() *Envelope {
	return New("agent-a", "agent-b",
		[]Capability{{Name: "translation:en-es", Version: "1.0", Scopes: []string{"read"}}},
		Budget{Tokens: 1000, TimeMs: 5000, ToolCalls: 3},
		map[string]any{"text": "hello"},
	)
}

func TestNew(t *testing.T) {
	e := testEnvelope()
	assert.NotEmpty(t, e.RequestID)
	assert.NotEmpty(t, e.Nonce)
	assert.NotEqual(t, e.RequestID, e.Nonce)
	assert.False(t, e.CreatedAt.IsZero())
	assert.NoError(t, e.Validate())
}

func TestValidate(t *testing.T) {
	t.Run("rejects empty sender", func(t *testing.T) {
		e := testEnvelope()
		e.SenderID = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects unnamed capability", func(t *testing.T) {
		e := testEnvelope()
		e.Capabilities = append(e.Capabilities, Capability{Version: "1.0"})
		assert.Error(t, e.Validate())
	})
}

func TestCanonicalDeterminism(t *testing.T) {
	key, err := NewHMACKey([]byte("shared-secret"))
	require.NoError(t, err)

	// Two envelopes built with payload keys inserted in different orders.
	a := testEnvelope()
	a.Payload = map[string]any{}
	a.Payload["alpha"] = 1
	a.Payload["beta"] = map[string]any{"x": 1, "y": 2}

	b := &Envelope{
		RequestID:    a.RequestID,
		SenderID:     a.SenderID,
		ReceiverID:   a.ReceiverID,
		CreatedAt:    a.CreatedAt,
		Nonce:        a.Nonce,
		Capabilities: a.Capabilities,
		Budget:       a.Budget,
		Payload:      map[string]any{},
	}
	b.Payload["beta"] = map[string]any{"y": 2, "x": 1}
	b.Payload["alpha"] = 1

	require.NoError(t, Sign(a, key))
	require.NoError(t, Sign(b, key))
	assert.Equal(t, a.Signature, b.Signature, "insertion order must not change the signature")
}

func TestSign(t *testing.T) {
	key, err := NewHMACKey([]byte("shared-secret"))
	require.NoError(t, err)

	t.Run("attaches signature", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, key))
		assert.NotEmpty(t, e.Signature)
	})

	t.Run("rejects re-signing", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, key))
		assert.Error(t, Sign(e, key))
	})
}

func TestVerifyHMAC(t *testing.T) {
	key, err := NewHMACKey([]byte("shared-secret"))
	require.NoError(t, err)
	validator := NewValidator(key, setupNonceStore(t))
	ctx := context.Background()

	t.Run("round trip verifies exactly once", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, key))

		assert.True(t, validator.Verify(ctx, e))
		assert.False(t, validator.Verify(ctx, e), "same-nonce envelope must fail on replay")
	})

	t.Run("wrong secret fails closed", func(t *testing.T) {
		other, err := NewHMACKey([]byte("other-secret"))
		require.NoError(t, err)

		e := testEnvelope()
		require.NoError(t, Sign(e, other))
		assert.False(t, validator.Verify(ctx, e))
	})

	t.Run("tampered payload fails closed", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, key))
		e.Payload["text"] = "tampered"
		assert.False(t, validator.Verify(ctx, e))
	})

	t.Run("unsigned envelope fails closed", func(t *testing.T) {
		assert.False(t, validator.Verify(ctx, testEnvelope()))
	})

	t.Run("malformed signature fails closed", func(t *testing.T) {
		e := testEnvelope()
		e.Signature = "not-hex!"
		assert.False(t, validator.Verify(ctx, e))
	})

	t.Run("failed attempt burns the nonce", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, key))

		corrupted := *e
		corrupted.Signature = "00" + e.Signature[2:]
		assert.False(t, validator.Verify(ctx, &corrupted))

		// The legitimate envelope now fails too: its nonce was recorded by
		// the forged attempt.
		assert.False(t, validator.Verify(ctx, e))
	})
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := NewEd25519Signer(priv)
	require.NoError(t, err)
	verifierKey, err := NewEd25519Verifier(pub)
	require.NoError(t, err)

	validator := NewValidator(verifierKey, setupNonceStore(t))
	ctx := context.Background()

	t.Run("sender signs, receiver verifies", func(t *testing.T) {
		e := testEnvelope()
		require.NoError(t, Sign(e, signer))
		assert.True(t, validator.Verify(ctx, e))
	})

	t.Run("wrong key pair fails closed", func(t *testing.T) {
		_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		otherSigner, err := NewEd25519Signer(otherPriv)
		require.NoError(t, err)

		e := testEnvelope()
		require.NoError(t, Sign(e, otherSigner))
		assert.False(t, validator.Verify(ctx, e))
	})
}

func TestCheckTimestamp(t *testing.T) {
	t.Run("fresh envelope passes", func(t *testing.T) {
		assert.True(t, CheckTimestamp(testEnvelope(), 30*time.Second))
	})

	t.Run("stale envelope fails", func(t *testing.T) {
		e := testEnvelope()
		e.CreatedAt = time.Now().UTC().Add(-time.Minute)
		assert.False(t, CheckTimestamp(e, 30*time.Second))
	})

	t.Run("future-dated envelope fails", func(t *testing.T) {
		e := testEnvelope()
		e.CreatedAt = time.Now().UTC().Add(time.Minute)
		assert.False(t, CheckTimestamp(e, 30*time.Second))
	})

	t.Run("skew is independent of signature validity", func(t *testing.T) {
		e := testEnvelope()
		e.CreatedAt = time.Now().UTC().Add(-time.Minute)
		key, err := NewHMACKey([]byte("shared-secret"))
		require.NoError(t, err)
		require.NoError(t, Sign(e, key))
		assert.False(t, CheckTimestamp(e, 30*time.Second))
	})

	t.Run("zero skew selects the default", func(t *testing.T) {
		assert.True(t, CheckTimestamp(testEnvelope(), 0))
	})
}
