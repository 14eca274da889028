package edgeproxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/storage"
)

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = errors.New("response cache is closed")

// CachedResponse is a stored upstream answer.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

// CacheStats represents response cache statistics.
type CacheStats struct {
	LocalHits    int64
	LocalMisses  int64
	RemoteHits   int64
	RemoteMisses int64
	RemoteErrors int64
}

// ResponseCache is a two-level cache: a cost-bounded local tier in front of
// an optional Redis store shared by every proxy process.
type ResponseCache struct {
	local      cache.LocalCache
	store      *storage.RedisStore
	serializer cache.Marshaller
	logger     cache.Logger
	debug      bool
	onError    func(error)

	// sizes tracks the keys held by the local tier so namespaces can be
	// dropped. Evicted keys are forgotten on their next miss.
	mu    sync.Mutex
	sizes map[string]int64

	closed int32
	stats  CacheStats
}

// ResponseCacheOptions configures a ResponseCache.
type ResponseCacheOptions struct {
	// LocalCacheConfig sizes the LFU tier; MaxCost is in body bytes.
	LocalCacheConfig cache.LocalCacheConfig

	// LocalCacheFactory overrides the LFU tier.
	LocalCacheFactory cache.LocalCacheFactory

	// Store is the optional shared tier.
	Store *storage.RedisStore

	Marshaller cache.Marshaller
	Logger     cache.Logger
	DebugMode  bool
	OnError    func(error)
}

// NewResponseCache creates a response cache.
func NewResponseCache(opts ResponseCacheOptions) (*ResponseCache, error) {
	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = cache.NewLFUCacheFactory(opts.LocalCacheConfig)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = cache.NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}

	local, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	return &ResponseCache{
		local:      local,
		store:      opts.Store,
		serializer: opts.Marshaller,
		logger:     opts.Logger,
		debug:      opts.DebugMode,
		onError:    opts.OnError,
		sizes:      make(map[string]int64),
	}, nil
}

// Get retrieves a response, falling back to the shared tier.
func (rc *ResponseCache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return nil, false
	}

	if rc.debug {
		rc.logger.Debug("Get: attempting to retrieve key", "key", key)
	}

	// Try local cache first
	if value, found := rc.local.Get(key); found {
		atomic.AddInt64(&rc.stats.LocalHits, 1)
		return value.(*CachedResponse), true
	}
	atomic.AddInt64(&rc.stats.LocalMisses, 1)
	rc.forget(key)

	if rc.store == nil {
		return nil, false
	}

	// Fallback to Redis
	data, err := rc.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			atomic.AddInt64(&rc.stats.RemoteErrors, 1)
			rc.fail("Get: remote read failed", err, "key", key)
		}
		atomic.AddInt64(&rc.stats.RemoteMisses, 1)
		return nil, false
	}
	atomic.AddInt64(&rc.stats.RemoteHits, 1)

	var resp CachedResponse
	if err := rc.serializer.Unmarshal(data, &resp); err != nil {
		rc.fail("Get: deserialization failed", err, "key", key)
		return nil, false
	}

	// Populate local cache
	rc.setLocal(key, &resp)
	if rc.debug {
		rc.logger.Debug("Get: populated local cache", "key", key)
	}
	return &resp, true
}

// Set stores a response in both tiers.
func (rc *ResponseCache) Set(ctx context.Context, key string, resp *CachedResponse) error {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return ErrCacheClosed
	}

	rc.setLocal(key, resp)

	if rc.store == nil {
		return nil
	}
	data, err := rc.serializer.Marshal(resp)
	if err != nil {
		rc.fail("Set: serialization failed", err, "key", key)
		return err
	}
	if err := rc.store.Set(ctx, key, data); err != nil {
		atomic.AddInt64(&rc.stats.RemoteErrors, 1)
		rc.fail("Set: failed to store in remote cache", err, "key", key)
		return err
	}
	if rc.debug {
		rc.logger.Debug("Set: stored response", "key", key, "bytes", len(resp.Body))
	}
	return nil
}

// Delete removes a response from both tiers.
func (rc *ResponseCache) Delete(ctx context.Context, key string) error {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return ErrCacheClosed
	}
	rc.local.Delete(key)
	rc.forget(key)
	if rc.store == nil {
		return nil
	}
	if err := rc.store.Delete(ctx, key); err != nil {
		rc.fail("Delete: failed to remove from remote cache", err, "key", key)
		return err
	}
	return nil
}

// ClearPrefix removes every response whose key starts with prefix.
func (rc *ResponseCache) ClearPrefix(ctx context.Context, prefix string) error {
	if atomic.LoadInt32(&rc.closed) != 0 {
		return ErrCacheClosed
	}

	rc.mu.Lock()
	for key := range rc.sizes {
		if strings.HasPrefix(key, prefix) {
			rc.local.Delete(key)
			delete(rc.sizes, key)
		}
	}
	rc.mu.Unlock()

	if rc.store == nil {
		return nil
	}
	if err := rc.store.Clear(ctx, prefix); err != nil {
		rc.fail("ClearPrefix: failed to clear remote cache", err, "prefix", prefix)
		return err
	}
	if rc.debug {
		rc.logger.Debug("ClearPrefix: cleared responses", "prefix", prefix)
	}
	return nil
}

// Count returns the number of responses and their body bytes under prefix.
// With a shared tier the count comes from Redis and bytes from the local tier.
func (rc *ResponseCache) Count(ctx context.Context, prefix string) (int, int64) {
	rc.mu.Lock()
	n := 0
	var bytes int64
	for key, size := range rc.sizes {
		if strings.HasPrefix(key, prefix) {
			n++
			bytes += size
		}
	}
	rc.mu.Unlock()

	if rc.store != nil {
		keys, err := rc.store.Keys(ctx, prefix)
		if err != nil {
			rc.fail("Count: failed to list remote cache", err, "prefix", prefix)
			return n, bytes
		}
		n = len(keys)
	}
	return n, bytes
}

// Stats returns cache statistics.
func (rc *ResponseCache) Stats() CacheStats {
	return CacheStats{
		LocalHits:    atomic.LoadInt64(&rc.stats.LocalHits),
		LocalMisses:  atomic.LoadInt64(&rc.stats.LocalMisses),
		RemoteHits:   atomic.LoadInt64(&rc.stats.RemoteHits),
		RemoteMisses: atomic.LoadInt64(&rc.stats.RemoteMisses),
		RemoteErrors: atomic.LoadInt64(&rc.stats.RemoteErrors),
	}
}

// Close releases the local tier. The shared store belongs to the caller.
func (rc *ResponseCache) Close() error {
	if !atomic.CompareAndSwapInt32(&rc.closed, 0, 1) {
		return nil
	}
	rc.local.Close()
	return nil
}

func (rc *ResponseCache) setLocal(key string, resp *CachedResponse) {
	cost := int64(len(resp.Body))
	if !rc.local.Set(key, resp, cost) {
		return
	}
	rc.mu.Lock()
	rc.sizes[key] = cost
	rc.mu.Unlock()
}

func (rc *ResponseCache) forget(key string) {
	rc.mu.Lock()
	delete(rc.sizes, key)
	rc.mu.Unlock()
}

func (rc *ResponseCache) fail(msg string, err error, args ...any) {
	if rc.onError != nil {
		rc.onError(err)
	}
	rc.logger.Error(msg, append(args, "error", err)...)
}
