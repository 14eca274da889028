package cache

import (
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"
)

// LFUCacheFactory creates Ristretto cache instances.
type LFUCacheFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory(config LocalCacheConfig) LocalCacheFactory {
	return &LFUCacheFactory{config: config}
}

// Create creates a new Ristretto cache instance.
func (rcf *LFUCacheFactory) Create() (LocalCache, error) {
	return NewLFUCache(rcf.config)
}

// LFUCache is a cost-bounded local tier backed by Ristretto. The edge proxy
// keeps response bodies here, costed by their size.
type LFUCache struct {
	cache     *lfu.Cache
	hits      int64
	misses    int64
	evictions int64
	items     int64
}

// NewLFUCache creates a new Ristretto-based local cache.
func NewLFUCache(config LocalCacheConfig) (*LFUCache, error) {
	if err := config.ValidateLFU(); err != nil {
		return nil, err
	}
	lc := &LFUCache{}
	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
		OnEvict: func(item *lfu.Item) {
			atomic.AddInt64(&lc.evictions, 1)
			atomic.AddInt64(&lc.items, -1)
		},
	})
	if err != nil {
		return nil, err
	}
	lc.cache = cache
	return lc, nil
}

// Get retrieves a value from the local cache.
func (rc *LFUCache) Get(key string) (any, bool) {
	value, found := rc.cache.Get(key)
	if found {
		atomic.AddInt64(&rc.hits, 1)
	} else {
		atomic.AddInt64(&rc.misses, 1)
	}
	return value, found
}

// Set stores a value and waits for Ristretto's write buffer, so a following
// Get observes it. Admission may still reject the value.
func (rc *LFUCache) Set(key string, value any, cost int64) bool {
	if cost <= 0 {
		cost = 1
	}
	_, existed := rc.cache.Get(key)
	ok := rc.cache.Set(key, value, cost)
	rc.cache.Wait()
	if ok && !existed {
		if _, stored := rc.cache.Get(key); stored {
			atomic.AddInt64(&rc.items, 1)
		}
	}
	return ok
}

// Delete removes a value from the local cache.
func (rc *LFUCache) Delete(key string) {
	if _, found := rc.cache.Get(key); found {
		atomic.AddInt64(&rc.items, -1)
	}
	rc.cache.Del(key)
}

// Clear removes all values from the local cache.
func (rc *LFUCache) Clear() {
	rc.cache.Clear()
	atomic.StoreInt64(&rc.items, 0)
}

// Close closes the local cache.
func (rc *LFUCache) Close() {
	rc.cache.Close()
}

// Metrics returns cache metrics. Size is the approximate entry count.
func (rc *LFUCache) Metrics() LocalCacheMetrics {
	return LocalCacheMetrics{
		Hits:      atomic.LoadInt64(&rc.hits),
		Misses:    atomic.LoadInt64(&rc.misses),
		Evictions: atomic.LoadInt64(&rc.evictions),
		Size:      atomic.LoadInt64(&rc.items),
	}
}
