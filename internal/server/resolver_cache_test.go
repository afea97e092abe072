package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Synapsr/ProxyWarp/internal/domain"
)

func TestResolverCacheSetGet(t *testing.T) {
	t.Parallel()

	c := newResolverCache(time.Minute)
	target := domain.TargetInfo{Token: "abc123", Domain: "example.com", Protocol: "https"}
	c.set(cacheKey("abc123"), target)

	got, ok := c.get(cacheKey("abc123"))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Domain != "example.com" {
		t.Fatalf("unexpected domain %q", got.Domain)
	}

	if _, ok := c.get(cacheKey("zzzzzz")); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestResolverCacheExpiry(t *testing.T) {
	t.Parallel()

	c := newResolverCache(20 * time.Millisecond)
	c.set(cacheKey("abc123"), domain.TargetInfo{Token: "abc123", Domain: "example.com", Protocol: "https"})

	if _, ok := c.get(cacheKey("abc123")); !ok {
		t.Fatal("expected hit before TTL")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.get(cacheKey("abc123")); ok {
		t.Fatal("expected miss after TTL")
	}
	if c.size() != 0 {
		t.Fatalf("timer eviction left %d entries", c.size())
	}
}

func TestResolverCacheReplace(t *testing.T) {
	t.Parallel()

	c := newResolverCache(20 * time.Millisecond)
	key := cacheKey("abc123")
	c.set(key, domain.TargetInfo{Token: "abc123", Domain: "old.example.com", Protocol: "https"})
	c.set(key, domain.TargetInfo{Token: "abc123", Domain: "new.example.com", Protocol: "https"})

	got, ok := c.get(key)
	if !ok || got.Domain != "new.example.com" {
		t.Fatalf("expected replacement entry, got %+v ok=%v", got, ok)
	}
}

func TestResolverCacheConcurrent(t *testing.T) {
	t.Parallel()

	c := newResolverCache(5 * time.Millisecond)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := cacheKey(fmt.Sprintf("tok%d%d", g, i%10))
				c.set(key, domain.TargetInfo{Token: "t", Domain: "example.com", Protocol: "https"})
				c.get(key)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkResolverCacheSetAndGet(b *testing.B) {
	c := newResolverCache(time.Minute)
	target := domain.TargetInfo{Token: "bench", Domain: "example.com", Protocol: "https"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := cacheKey(fmt.Sprintf("tok%d", i%100))
		c.set(key, target)
		c.get(key)
	}
}
