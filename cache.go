package rls

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CacheStore is the pluggable backend for cached rule resolutions and
// decisions. Values are opaque bytes so memory, ristretto and redis backends
// behave identically.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Flush()
}

// CacheKey builds a deterministic cache key. The generation counter folds
// store mutations into the key, so stale entries are never read again after
// a rule change and simply age out.
func CacheKey(generation uint64, parts ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "g%d", generation)
	for _, p := range parts {
		b.WriteByte('|')
		b.WriteString(p)
	}
	return b.String()
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCacheStore is an in-process CacheStore with lazy expiry: entries past
// their TTL are dropped on read.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: map[string]memoryCacheEntry{}}
}

func (m *MemoryCacheStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// refreshed the entry.
		if cur, ok := m.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (m *MemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = memoryCacheEntry{value: value, expiresAt: exp}
	m.mu.Unlock()
}

func (m *MemoryCacheStore) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *MemoryCacheStore) Flush() {
	m.mu.Lock()
	m.entries = map[string]memoryCacheEntry{}
	m.mu.Unlock()
}

// Len reports live entry count, counting expired-but-unread entries too.
func (m *MemoryCacheStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RistrettoCache adapts a ristretto cache to CacheStore. Ristretto admits
// writes asynchronously; call Wait before reading your own writes in tests.
type RistrettoCache struct {
	c *ristretto.Cache
}

func NewRistrettoCache(maxCost int64) (*RistrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{c: c}, nil
}

func (r *RistrettoCache) Get(key string) ([]byte, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (r *RistrettoCache) Set(key string, value []byte, ttl time.Duration) {
	r.c.SetWithTTL(key, value, int64(len(value))+1, ttl)
}

func (r *RistrettoCache) Delete(key string) { r.c.Del(key) }

func (r *RistrettoCache) Flush() { r.c.Clear() }

// Wait blocks until buffered writes are applied.
func (r *RistrettoCache) Wait() { r.c.Wait() }

func (r *RistrettoCache) Close() { r.c.Close() }
