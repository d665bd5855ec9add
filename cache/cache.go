// Package cache implements a two-tier response cache: an in-process
// memory tier backed by an optional durable tier. Reads check memory
// first, then the durable tier, promoting hits back into memory.
// Durable-tier failures are logged and never surfaced to callers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/use-agent/harvest/config"
)

// keyPrefix namespaces cache keys so the durable store can be shared
// with other tables or tools without collisions.
const keyPrefix = "harvest:"

// Tier2 is the durable backing store. Implementations must be safe for
// concurrent use. All methods are best-effort from the cache's point of
// view: errors are logged, not propagated.
type Tier2 interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
	Count(ctx context.Context) (int, error)
}

type entry struct {
	value     []byte
	expiresAt time.Time
	insertSeq uint64
}

// HybridCache is the two-tier cache. The memory tier holds at most
// MemoryMaxItems entries; when full, the entry inserted earliest is
// evicted regardless of access recency.
type HybridCache struct {
	mu      sync.Mutex
	items   map[string]entry
	seq     uint64
	maxSize int
	memTTL  time.Duration
	durTTL  time.Duration
	durable Tier2
	logger  *slog.Logger
	stopCh  chan struct{}
}

// New creates a HybridCache. durable may be nil, in which case the
// cache runs memory-only.
func New(cfg config.CacheConfig, durable Tier2, logger *slog.Logger) *HybridCache {
	c := &HybridCache{
		items:   make(map[string]entry),
		maxSize: cfg.MemoryMaxItems,
		memTTL:  cfg.MemoryTTL,
		durTTL:  cfg.DurableTTL,
		durable: durable,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Key builds the cache key for a namespace and raw identifier. The
// identifier is hashed so arbitrary URLs produce bounded keys.
func Key(namespace, id string) string {
	sum := sha256.Sum256([]byte(id))
	return keyPrefix + namespace + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached value for key, checking memory first and then
// the durable tier. A durable hit is promoted into memory.
func (c *HybridCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, true
	}
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()

	if c.durable == nil {
		return nil, false
	}
	v, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("durable cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.setMemory(key, v)
	return v, true
}

// Set stores value in both tiers. The durable write is best-effort.
func (c *HybridCache) Set(ctx context.Context, key string, value []byte) {
	c.setMemory(key, value)
	if c.durable == nil {
		return
	}
	if err := c.durable.Set(ctx, key, value, c.durTTL); err != nil {
		c.logger.Warn("durable cache write failed", "key", key, "error", err)
	}
}

func (c *HybridCache) setMemory(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seq++
	c.items[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(c.memTTL),
		insertSeq: c.seq,
	}
}

// evictOldestLocked removes the entry with the lowest insertion
// sequence. Caller holds c.mu.
func (c *HybridCache) evictOldestLocked() {
	var oldestKey string
	var oldestSeq uint64
	first := true
	for k, e := range c.items {
		if first || e.insertSeq < oldestSeq {
			oldestKey, oldestSeq = k, e.insertSeq
			first = false
		}
	}
	if !first {
		delete(c.items, oldestKey)
	}
}

// ClearNamespace removes every entry in the namespace from both tiers.
// Clearing an empty or unknown namespace is a no-op.
func (c *HybridCache) ClearNamespace(ctx context.Context, namespace string) {
	prefix := keyPrefix + namespace + ":"
	c.mu.Lock()
	for k := range c.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	if err := c.durable.DeletePrefix(ctx, prefix); err != nil {
		c.logger.Warn("durable namespace clear failed", "namespace", namespace, "error", err)
	}
}

// Stats reports the current state of both tiers.
type Stats struct {
	MemoryItems      int
	MemoryMax        int
	MemoryStale      int
	DurableConnected bool
	DurableItems     int
}

// Stats returns a snapshot of cache occupancy.
func (c *HybridCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	now := time.Now()
	stale := 0
	for _, e := range c.items {
		if !now.Before(e.expiresAt) {
			stale++
		}
	}
	s := Stats{
		MemoryItems: len(c.items),
		MemoryMax:   c.maxSize,
		MemoryStale: stale,
	}
	c.mu.Unlock()

	if c.durable != nil {
		s.DurableConnected = true
		if n, err := c.durable.Count(ctx); err == nil {
			s.DurableItems = n
		}
	}
	return s
}

// Close stops the background cleanup goroutine.
func (c *HybridCache) Close() {
	close(c.stopCh)
}

func (c *HybridCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, e := range c.items {
				if !now.Before(e.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
