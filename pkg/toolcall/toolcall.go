// Package toolcall is the signed request/response RPC layer for synchronous,
// same-host tool invocation. It reuses the envelope protocol's signing
// primitives and the nonce store, without the pub/sub hop.
//
// Unlike envelope verification, which fails closed to a boolean, nonce
// replays here are hard errors on both sides of the call.
package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/envelope"
	"github.com/dyluth/warren/pkg/nonce"
)

var (
	// ErrNonceReplay means the request reused a nonce within its TTL window.
	ErrNonceReplay = errors.New("nonce replay detected")

	// ErrUnknownTool means no handler is registered under the requested name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBadSignature means the response signature did not verify against
	// the returned result and nonce.
	ErrBadSignature = errors.New("response signature mismatch")
)

// Handler executes one named tool. Errors returned by a handler become
// structured failure payloads in the response, not protocol errors.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Request is a single tool invocation. Nonce must be fresh per call.
type Request struct {
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
	Nonce string         `json:"nonce"`
}

// Response carries the tool result and a signature authenticating
// (result, nonce).
type Response struct {
	Result    map[string]any `json:"result"`
	Nonce     string         `json:"nonce"`
	Signature string         `json:"signature"`
}

// signedPayload returns the canonical bytes the response signature covers:
// JSON with sorted keys, no whitespace.
func signedPayload(result map[string]any, nonceValue string) ([]byte, error) {
	if result == nil {
		result = map[string]any{}
	}
	data, err := json.Marshal(map[string]any{
		"nonce":  nonceValue,
		"result": result,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize response: %w", err)
	}
	return data, nil
}

// Server holds a signing key, named tool handlers, and its own nonce store.
// The signing scheme is fixed at construction and is not interchangeable per
// call.
type Server struct {
	signer envelope.Signer
	nonces *nonce.Store

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer creates a tool-call server signing with the given key.
func NewServer(signer envelope.Signer, nonces *nonce.Store) *Server {
	return &Server{
		signer:   signer,
		nonces:   nonces,
		handlers: make(map[string]Handler),
	}
}

// RegisterTool adds a handler under the given name, replacing any previous
// registration.
func (s *Server) RegisterTool(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Tools returns the registered tool names.
func (s *Server) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Handle executes one request. A replayed nonce is a hard error; a missing
// handler is a typed not-found error. Handler failures are returned inside
// the signed result as an error payload.
func (s *Server) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Nonce == "" {
		return nil, fmt.Errorf("request nonce cannot be empty")
	}
	if !s.nonces.CheckAndAdd(ctx, req.Nonce) {
		return nil, fmt.Errorf("tool %s: %w", req.Tool, ErrNonceReplay)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Tool]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", req.Tool, ErrUnknownTool)
	}

	result, err := handler(ctx, req.Args)
	if err != nil {
		result = map[string]any{"error": err.Error(), "tool": req.Tool}
	}
	if result == nil {
		result = map[string]any{}
	}

	payload, err := signedPayload(result, req.Nonce)
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}

	return &Response{Result: result, Nonce: req.Nonce, Signature: sig}, nil
}

// Client invokes a Server and verifies every response signature. The
// verification scheme is fixed at construction to match the server's signing
// scheme.
type Client struct {
	server *Server
	key    envelope.Verifier
}

// NewClient creates a client for the given server and verification key.
func NewClient(server *Server, key envelope.Verifier) *Client {
	return &Client{server: server, key: key}
}

// Call invokes a tool with a fresh nonce and returns the verified result.
// A signature or nonce mismatch in the response is a hard error.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	nonceValue := uuid.New().String()

	resp, err := c.server.Handle(ctx, Request{Tool: tool, Args: args, Nonce: nonceValue})
	if err != nil {
		return nil, err
	}

	if resp.Nonce != nonceValue {
		return nil, fmt.Errorf("tool %s: %w: nonce mismatch", tool, ErrBadSignature)
	}
	payload, err := signedPayload(resp.Result, resp.Nonce)
	if err != nil {
		return nil, err
	}
	if !c.key.Verify(payload, resp.Signature) {
		return nil, fmt.Errorf("tool %s: %w", tool, ErrBadSignature)
	}

	return resp.Result, nil
}
