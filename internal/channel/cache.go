package channel

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/paygate/pkg/voucher"
	"go.uber.org/zap"
)

// Cache stores recently read channels for a bounded time.
type Cache interface {
	Get(ctx context.Context, id voucher.ChannelID) (*Channel, bool)
	Set(ctx context.Context, ch *Channel)
	Invalidate(ctx context.Context, id voucher.ChannelID)
}

// cacheEntry holds a cached channel read.
type cacheEntry struct {
	channel   *Channel
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryCache is a thread-safe in-process Cache. Entries expire after the
// configured TTL; StartEviction removes them in the background.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[voucher.ChannelID]*cacheEntry
	ttl     time.Duration
}

// NewMemoryCache creates a MemoryCache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[voucher.ChannelID]*cacheEntry),
		ttl:     ttl,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, id voucher.ChannelID) (*Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.expired() {
		return nil, false
	}
	return e.channel, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ch.ID] = &cacheEntry{
		channel:   ch,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, id voucher.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Evict removes all expired entries and returns how many were removed.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, including expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartEviction evicts expired entries every interval until ctx is done.
func (c *MemoryCache) StartEviction(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Evict(); n > 0 {
					logger.Debug("channel cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}
