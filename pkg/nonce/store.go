// Package nonce provides the replay-detection primitive used by envelope
// verification and the signed tool-call layer. A nonce value may be
// successfully added at most once per namespace during its TTL window; reuse
// after expiry is indistinguishable from first use.
//
// The store runs against the shared Redis coordination store, falling back to
// a bounded in-process map when Redis is unreachable so that verification
// keeps working (degraded) through a store outage.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/pkg/wire"
)

const (
	// DefaultTTL is the replay-protection window.
	DefaultTTL = 5 * time.Minute

	// DefaultNamespace isolates nonce keys of unrelated verifiers.
	DefaultNamespace = "default"

	// DefaultMaxMemoryEntries bounds the in-process fallback map.
	DefaultMaxMemoryEntries = 10000

	// DefaultHealthInterval bounds how often Redis availability is re-checked.
	// Availability is never probed on every call.
	DefaultHealthInterval = 5 * time.Second

	healthPingTimeout = 500 * time.Millisecond
)

// Options configures a Store. Zero values select the package defaults.
type Options struct {
	Namespace        string
	TTL              time.Duration
	MaxMemoryEntries int
	HealthInterval   time.Duration
}

// Stats reports the store's current mode and occupancy.
type Stats struct {
	Backend       string `json:"backend"` // "redis" or "memory"
	Namespace     string `json:"namespace"`
	TTLSeconds    int    `json:"ttl_seconds"`
	MemoryEntries int    `json:"memory_entries"`
	RedisEntries  int64  `json:"redis_entries"` // -1 when Redis is unavailable
}

// Store is a dual-mode nonce store. It is safe for concurrent use.
type Store struct {
	rdb          *redis.Client
	instanceName string
	namespace    string
	ttl          time.Duration
	maxMemory    int
	healthEvery  time.Duration

	mu         sync.Mutex
	memory     map[string]time.Time // nonce -> expiry
	order      []string             // insertion order, for oldest-first eviction
	redisDown  bool
	lastHealth time.Time
}

// New creates a nonce store for the given instance.
// Returns an error if instanceName is empty.
func New(rdb *redis.Client, instanceName string, opts Options) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxMemoryEntries <= 0 {
		opts.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}

	return &Store{
		rdb:          rdb,
		instanceName: instanceName,
		namespace:    opts.Namespace,
		ttl:          opts.TTL,
		maxMemory:    opts.MaxMemoryEntries,
		healthEvery:  opts.HealthInterval,
		memory:       make(map[string]time.Time),
	}, nil
}

// CheckAndAdd records the nonce and reports whether this was its first use
// within the TTL window. The Redis path is a single atomic SET NX EX, so
// concurrent callers racing on the same value have exactly one winner.
func (s *Store) CheckAndAdd(ctx context.Context, nonce string) bool {
	if nonce == "" {
		return false
	}

	if s.redisAvailable(ctx) {
		key := wire.NonceKey(s.instanceName, s.namespace, nonce)
		first, err := s.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
		if err == nil {
			return first
		}
		s.markDown()
	}

	return s.memoryCheckAndAdd(nonce)
}

// Exists reports whether the nonce has been seen and is still within its TTL.
func (s *Store) Exists(ctx context.Context, nonce string) bool {
	if nonce == "" {
		return false
	}

	if s.redisAvailable(ctx) {
		key := wire.NonceKey(s.instanceName, s.namespace, nonce)
		n, err := s.rdb.Exists(ctx, key).Result()
		if err == nil {
			return n > 0
		}
		s.markDown()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.memory[nonce]
	return ok && time.Now().Before(expiry)
}

// CleanupExpired sweeps expired entries from the in-process fallback map and
// returns the number removed. Redis entries expire on their own.
func (s *Store) CleanupExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	kept := s.order[:0]
	for _, nonce := range s.order {
		expiry, ok := s.memory[nonce]
		if !ok {
			continue
		}
		if now.After(expiry) {
			delete(s.memory, nonce)
			removed++
			continue
		}
		kept = append(kept, nonce)
	}
	s.order = kept
	return removed
}

// GetStats returns the store's current mode and occupancy. When Redis is
// unavailable RedisEntries is -1.
func (s *Store) GetStats(ctx context.Context) Stats {
	stats := Stats{
		Namespace:    s.namespace,
		TTLSeconds:   int(s.ttl.Seconds()),
		RedisEntries: -1,
	}

	if s.redisAvailable(ctx) {
		stats.Backend = "redis"
		stats.RedisEntries = s.countRedisEntries(ctx)
	} else {
		stats.Backend = "memory"
	}

	s.mu.Lock()
	stats.MemoryEntries = len(s.memory)
	s.mu.Unlock()

	return stats
}

func (s *Store) countRedisEntries(ctx context.Context) int64 {
	var count int64
	var cursor uint64
	pattern := wire.NonceKeyPattern(s.instanceName, s.namespace)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return -1
		}
		count += int64(len(keys))
		if next == 0 {
			return count
		}
		cursor = next
	}
}

// redisAvailable reports whether the primary store should be used, re-checking
// health at most once per health interval.
func (s *Store) redisAvailable(ctx context.Context) bool {
	s.mu.Lock()
	recheck := time.Since(s.lastHealth) >= s.healthEvery
	down := s.redisDown
	if recheck {
		s.lastHealth = time.Now()
	}
	s.mu.Unlock()

	if !recheck {
		return !down
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	err := s.rdb.Ping(pingCtx).Err()

	s.mu.Lock()
	s.redisDown = err != nil
	down = s.redisDown
	s.mu.Unlock()

	return !down
}

func (s *Store) markDown() {
	s.mu.Lock()
	s.redisDown = true
	s.lastHealth = time.Now()
	s.mu.Unlock()
}

// memoryCheckAndAdd is the fallback path: same TTL semantics, bounded size,
// oldest-first eviction, expiry re-checked lazily on access.
func (s *Store) memoryCheckAndAdd(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.memory[nonce]; ok {
		if now.Before(expiry) {
			return false
		}
		// Lazy expiry: retire the old entry entirely so the re-add below
		// occupies exactly one slot at the tail of the order.
		delete(s.memory, nonce)
		s.dropOrder(nonce)
	}

	for len(s.memory) >= s.maxMemory && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.memory, oldest)
	}

	s.memory[nonce] = now.Add(s.ttl)
	s.order = append(s.order, nonce)
	return true
}

// dropOrder removes the nonce's slot from the insertion-order slice.
// Caller must hold mu.
func (s *Store) dropOrder(nonce string) {
	for i, n := range s.order {
		if n == nonce {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
