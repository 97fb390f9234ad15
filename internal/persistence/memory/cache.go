package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

type cacheItem struct {
	entry     core.CacheEntry
	data      []byte
	expiresAt time.Time
}

// CacheProvider is an in-memory core.CacheProvider with TTL eviction on read.
type CacheProvider struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
}

var _ core.CacheProvider = (*CacheProvider)(nil)

func NewCacheProvider() *CacheProvider {
	return &CacheProvider{items: make(map[string]*cacheItem)}
}

func (p *CacheProvider) Restore(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if !ok {
		return nil, core.ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(p.items, key)
		return nil, core.ErrCacheMiss
	}
	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, nil
}

func (p *CacheProvider) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	item := &cacheItem{
		entry: core.CacheEntry{
			ID:        core.NewCacheID(),
			Key:       key,
			SizeBytes: int64(len(data)),
			CreatedAt: time.Now().UTC(),
		},
		data: stored,
	}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	p.items[key] = item
	return nil
}

func (p *CacheProvider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
	return nil
}

func (p *CacheProvider) List(_ context.Context, prefix string) ([]core.CacheEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []core.CacheEntry
	for key, item := range p.items {
		if strings.HasPrefix(key, prefix) {
			out = append(out, item.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
