package server

import (
	"sync"
	"time"

	"github.com/Synapsr/ProxyWarp/internal/domain"
	"github.com/Synapsr/ProxyWarp/internal/netutil"
)

func normalizeHost(host string) string {
	return netutil.NormalizeHost(host)
}

// resolverCache memoises token→target resolutions for a short TTL so the
// proxy hot path skips the directory (and its timestamp write) on bursts
// of sub-resource requests. Each entry is evicted once by its own timer;
// lookups treat absence and expiry identically.
type resolverCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]*resolverEntry
}

type resolverEntry struct {
	target    domain.TargetInfo
	expiresAt time.Time
	timer     *time.Timer
}

func newResolverCache(ttl time.Duration) *resolverCache {
	return &resolverCache{
		ttl:     ttl,
		entries: map[string]*resolverEntry{},
	}
}

func cacheKey(token string) string {
	return "token:" + token
}

func (c *resolverCache) get(key string) (domain.TargetInfo, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return domain.TargetInfo{}, false
	}
	return e.target, true
}

func (c *resolverCache) set(key string, target domain.TargetInfo) {
	e := &resolverEntry{
		target:    target,
		expiresAt: time.Now().Add(c.ttl),
	}
	e.timer = time.AfterFunc(c.ttl, func() {
		c.evict(key, e)
	})

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		prev.timer.Stop()
	}
	c.entries[key] = e
	c.mu.Unlock()
}

// evict removes the entry only if it is still the one the timer was armed
// for; a concurrent set replaces the pointer and re-arms its own timer.
func (c *resolverCache) evict(key string, expected *resolverEntry) {
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == expected {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

func (c *resolverCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
