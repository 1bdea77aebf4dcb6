package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	rdb "github.com/redis/go-redis/v9"
)

// ReplayCache guarda nonces aceptados por device. CheckAndInsert tiene
// que ser atómico por (device, nonce): dos entregas concurrentes del
// mismo mensaje no pueden pasar las dos.
type ReplayCache interface {
	// Contains reports whether the nonce was already accepted for the
	// device (pure check, no mutation).
	Contains(ctx context.Context, deviceID, nonce string) (bool, error)
	// CheckAndInsert atomically records the nonce. fresh=false means it
	// was already present (replay).
	CheckAndInsert(ctx context.Context, deviceID, nonce string, ttl time.Duration) (fresh bool, err error)
}

// MemoryReplayCache: LRU acotado con TTL. Capacidad dimensionada a
// throughput esperado × TTL máximo de tier; si desborda, LRU evicta lo
// más viejo primero.
type MemoryReplayCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// NewMemoryReplayCache builds a cache of at most capacity nonces with
// horizon as the eviction TTL (use the max tier TTL).
func NewMemoryReplayCache(capacity int, horizon time.Duration) *MemoryReplayCache {
	if capacity <= 0 {
		capacity = 4096
	}
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &MemoryReplayCache{
		lru: expirable.NewLRU[string, struct{}](capacity, nil, horizon),
	}
}

func replayKey(deviceID, nonce string) string { return deviceID + "|" + nonce }

func (c *MemoryReplayCache) Contains(_ context.Context, deviceID, nonce string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(replayKey(deviceID, nonce)), nil
}

func (c *MemoryReplayCache) CheckAndInsert(_ context.Context, deviceID, nonce string, _ time.Duration) (bool, error) {
	// El mutex hace atómico el check-then-insert por device+nonce.
	c.mu.Lock()
	defer c.mu.Unlock()
	k := replayKey(deviceID, nonce)
	if c.lru.Contains(k) {
		return false, nil
	}
	c.lru.Add(k, struct{}{})
	return true, nil
}

/// RedisReplayCache: variante distribuida. SET NX EX es el
// check-then-insert atómico del lado del server.
type RedisReplayCache struct {
	c      *rdb.Client
	prefix string
}

func NewRedisReplayCache(addr string, db int, prefix string) *RedisReplayCache {
	if prefix == "" {
		prefix = "signet:replay:"
	}
	return &RedisReplayCache{
		c:      rdb.NewClient(&rdb.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (c *RedisReplayCache) Contains(ctx context.Context, deviceID, nonce string) (bool, error) {
	n, err := c.c.Exists(ctx, c.prefix+replayKey(deviceID, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisReplayCache) CheckAndInsert(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	ok, err := c.c.SetNX(ctx, c.prefix+replayKey(deviceID, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay setnx: %w", err)
	}
	return ok, nil
}
