package toolcall

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/envelope"
	"github.com/dyluth/warren/pkg/nonce"
)

func setupTestServer(t *testing.T) (*Server, *Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	nonces, err := nonce.New(rdb, "test-instance", nonce.Options{Namespace: "toolcall"})
	require.NoError(t, err)

	key, err := envelope.NewHMACKey([]byte("shared-secret"))
	require.NoError(t, err)

	server := NewServer(key, nonces)
	return server, NewClient(server, key)
}

func TestCall(t *testing.T) {
	server, client := setupTestServer(t)
	ctx := context.Background()

	server.RegisterTool("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["text"]}, nil
	})

	t.Run("round trip", func(t *testing.T) {
		result, err := client.Call(ctx, "echo", map[string]any{"text": "hello"})
		require.NoError(t, err)
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := client.Call(ctx, "no-such-tool", nil)
		assert.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("handler error becomes a failure payload", func(t *testing.T) {
		server.RegisterTool("broken", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("backend unavailable")
		})

		result, err := client.Call(ctx, "broken", nil)
		require.NoError(t, err, "handler failures are data, not protocol errors")
		assert.Equal(t, "backend unavailable", result["error"])
		assert.Equal(t, "broken", result["tool"])
	})

	t.Run("nil handler result yields empty map", func(t *testing.T) {
		server.RegisterTool("quiet", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		})

		result, err := client.Call(ctx, "quiet", nil)
		require.NoError(t, err)
		assert.Empty(t, result)
	})
}

func TestNonceReplay(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	server.RegisterTool("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	req := Request{Tool: "echo", Args: nil, Nonce: "fixed-nonce"}
	_, err := server.Handle(ctx, req)
	require.NoError(t, err)

	_, err = server.Handle(ctx, req)
	assert.ErrorIs(t, err, ErrNonceReplay)

	t.Run("empty nonce rejected", func(t *testing.T) {
		_, err := server.Handle(ctx, Request{Tool: "echo"})
		assert.Error(t, err)
	})

	t.Run("unknown tool still burns the nonce", func(t *testing.T) {
		bad := Request{Tool: "no-such-tool", Nonce: "burned-nonce"}
		_, err := server.Handle(ctx, bad)
		require.ErrorIs(t, err, ErrUnknownTool)

		bad.Tool = "echo"
		_, err = server.Handle(ctx, bad)
		assert.ErrorIs(t, err, ErrNonceReplay)
	})
}

func TestResponseSignature(t *testing.T) {
	ctx := context.Background()

	t.Run("tampered result fails verification", func(t *testing.T) {
		server, _ := setupTestServer(t)
		key, err := envelope.NewHMACKey([]byte("shared-secret"))
		require.NoError(t, err)

		server.RegisterTool("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"value": "original"}, nil
		})

		resp, err := server.Handle(ctx, Request{Tool: "echo", Nonce: "n-1"})
		require.NoError(t, err)

		resp.Result["value"] = "forged"
		payload, err := signedPayload(resp.Result, resp.Nonce)
		require.NoError(t, err)
		assert.False(t, key.Verify(payload, resp.Signature))
	})

	t.Run("wrong verification key is a hard error", func(t *testing.T) {
		server, _ := setupTestServer(t)
		server.RegisterTool("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		})

		wrongKey, err := envelope.NewHMACKey([]byte("different-secret"))
		require.NoError(t, err)
		client := NewClient(server, wrongKey)

		_, err = client.Call(ctx, "echo", nil)
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestEd25519Scheme(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	nonces, err := nonce.New(rdb, "test-instance", nonce.Options{Namespace: "toolcall"})
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := envelope.NewEd25519Signer(priv)
	require.NoError(t, err)
	verifier, err := envelope.NewEd25519Verifier(pub)
	require.NoError(t, err)

	server := NewServer(signer, nonces)
	server.RegisterTool("echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["text"]}, nil
	})
	client := NewClient(server, verifier)

	result, err := client.Call(context.Background(), "echo", map[string]any{"text": "asymmetric"})
	require.NoError(t, err)
	assert.Equal(t, "asymmetric", result["echo"])
}

func TestTools(t *testing.T) {
	server, _ := setupTestServer(t)
	assert.Empty(t, server.Tools())

	server.RegisterTool("a", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })
	server.RegisterTool("b", func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, server.Tools())
}
