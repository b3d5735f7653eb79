package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryCacheSize = 10_000

// MemoryProvider keeps keys in a bounded LRU. When full, the least recently
// used key is evicted even if it has not expired.
type MemoryProvider struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewMemoryProvider creates a MemoryProvider holding up to size keys.
func NewMemoryProvider(size int) (*MemoryProvider, error) {
	if size <= 0 {
		size = defaultMemoryCacheSize
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{cache: c, now: time.Now}, nil
}

func (m *MemoryProvider) Add(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(key) {
		return false, nil
	}
	m.cache.Add(key, m.now().Add(ttl))
	return true, nil
}

func (m *MemoryProvider) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key), nil
}

func (m *MemoryProvider) Delete(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

func (m *MemoryProvider) Close() error {
	m.cache.Purge()
	return nil
}

// live must be called with mu held.
func (m *MemoryProvider) live(key string) bool {
	expiresAt, ok := m.cache.Get(key)
	if !ok {
		return false
	}
	if !m.now().Before(expiresAt) {
		m.cache.Remove(key)
		return false
	}
	return true
}
