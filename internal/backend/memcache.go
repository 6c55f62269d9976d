package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lifeguard-sh/lifeguard/internal/resource"
)

const defaultCacheTTL = 5 * time.Minute

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// Memcache is an in-process TTL cache exposed through the resource
// lifecycle so it can be started, probed, and torn down like any other
// backend.
type Memcache struct {
	maxEntries int
	defaultTTL time.Duration

	mu    sync.Mutex
	items map[string]cacheItem
	open  bool
}

// NewMemcache constructs a cache backend. maxEntries of zero means
// unbounded; defaultTTL of zero means 5 minutes.
func NewMemcache(maxEntries int, defaultTTL time.Duration) *Memcache {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	return &Memcache{maxEntries: maxEntries, defaultTTL: defaultTTL}
}

// Initialize is a no-op; there is nothing to provision.
func (m *Memcache) Initialize(_ context.Context) error {
	return nil
}

// Connect allocates the cache map.
func (m *Memcache) Connect(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]cacheItem)
	m.open = true
	m.mu.Unlock()
	return nil
}

// Disconnect drops all entries.
func (m *Memcache) Disconnect(_ context.Context) error {
	m.mu.Lock()
	m.items = nil
	m.open = false
	m.mu.Unlock()
	return nil
}

// Cleanup is the same as Disconnect.
func (m *Memcache) Cleanup(ctx context.Context) error {
	return m.Disconnect(ctx)
}

// CheckHealth does a set/get round trip on a canary key.
func (m *Memcache) CheckHealth(_ context.Context) (resource.Report, error) {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.Set("lifeguard.canary", []byte(stamp), 0); err != nil {
		return resource.Report{}, err
	}

	value, ok := m.Get("lifeguard.canary")
	if !ok || string(value) != stamp {
		return resource.Report{}, fmt.Errorf("cache: canary round trip failed")
	}
	return resource.Report{Health: resource.HealthHealthy, Detail: "canary round trip ok"}, nil
}

// Set stores a value under key. A zero ttl uses the default.
func (m *Memcache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return fmt.Errorf("cache: not connected")
	}

	if m.maxEntries > 0 && len(m.items) >= m.maxEntries {
		m.evictLocked(time.Now())
		if len(m.items) >= m.maxEntries {
			if _, exists := m.items[key]; !exists {
				return fmt.Errorf("cache: full (%d entries)", m.maxEntries)
			}
		}
	}

	m.items[key] = cacheItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get returns the value stored under key, if present and unexpired.
func (m *Memcache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, false
	}

	item, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		delete(m.items, key)
		return nil, false
	}
	return item.value, true
}

// Delete removes an entry.
func (m *Memcache) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Len reports the number of live entries.
func (m *Memcache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(time.Now())
	return len(m.items)
}

func (m *Memcache) evictLocked(now time.Time) {
	for key, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, key)
		}
	}
}
