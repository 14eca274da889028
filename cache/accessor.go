// Package cache implements the offline cache accessor: cached server
// responses in the durable store with an in-memory tier in front, plus the
// in-place patching used by optimistic updates.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/huykn/offline-sync/storage"
	"github.com/huykn/offline-sync/types"
)

// Accessor reads and writes CachedEntry records. Storage failures are
// logged, reported to OnError and otherwise treated as cache misses.
type Accessor struct {
	manager    *storage.Manager
	local      LocalCache
	serializer Marshaller
	logger     Logger
	clock      clock.Clock
	options    Options

	// patchMu serializes read-modify-write patches of cached collections.
	patchMu sync.Mutex
	closed  int32
	stats   Stats
}

// NewAccessor creates an accessor over the store owned by manager.
func NewAccessor(manager *storage.Manager, opts Options) (*Accessor, error) {
	if manager == nil {
		return nil, ErrInvalidConfig
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLRUCacheFactory(opts.LocalCacheConfig.MaxSize)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	local, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	return &Accessor{
		manager:    manager,
		local:      local,
		serializer: opts.Marshaller,
		logger:     opts.Logger,
		clock:      opts.Clock,
		options:    opts,
	}, nil
}

// Now returns the accessor's notion of the current time.
func (a *Accessor) Now() time.Time {
	return a.clock.Now()
}

// CacheData upserts the entry for key. A ttl <= 0 stores an entry that
// never expires.
func (a *Accessor) CacheData(ctx context.Context, key string, entityType types.EntityType, payload any, ttl time.Duration) {
	if atomic.LoadInt32(&a.closed) != 0 {
		return
	}

	data, err := a.encodePayload(payload)
	if err != nil {
		a.fail("CacheData: encode payload", err, "key", key)
		return
	}

	now := a.clock.Now()
	entry := &types.CachedEntry{
		Key:       key,
		Type:      entityType,
		Payload:   data,
		UpdatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	a.put(ctx, entry)
}

// GetCachedData returns the entry for key, expired or not; callers decide
// whether a stale entry is acceptable.
func (a *Accessor) GetCachedData(ctx context.Context, key string) (*types.CachedEntry, bool) {
	if atomic.LoadInt32(&a.closed) != 0 {
		return nil, false
	}

	if a.options.DebugMode {
		a.logger.Debug("GetCachedData: attempting to retrieve key", "key", key)
	}

	if v, found := a.local.Get(key); found {
		atomic.AddInt64(&a.stats.LocalHits, 1)
		entry := *(v.(*types.CachedEntry))
		return &entry, true
	}
	atomic.AddInt64(&a.stats.LocalMisses, 1)

	store, err := a.manager.Open(ctx)
	if err != nil {
		a.fail("GetCachedData: open store", err, "key", key)
		return nil, false
	}
	rec, err := store.Get(ctx, storage.AreaCache, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.fail("GetCachedData: read failed", err, "key", key)
		}
		atomic.AddInt64(&a.stats.StoreMisses, 1)
		return nil, false
	}

	entry, err := a.decodeEntry(rec.Value)
	if err != nil {
		a.fail("GetCachedData: decode failed", err, "key", key)
		return nil, false
	}
	atomic.AddInt64(&a.stats.StoreHits, 1)
	a.local.Set(key, entry, 1)

	out := *entry
	return &out, true
}

// GetCachedAs decodes the payload cached under key into T.
func GetCachedAs[T any](ctx context.Context, a *Accessor, key string) (T, *types.CachedEntry, bool) {
	var zero T
	entry, ok := a.GetCachedData(ctx, key)
	if !ok {
		return zero, nil, false
	}
	var v T
	if err := json.Unmarshal(entry.Payload, &v); err != nil {
		a.fail("GetCachedAs: decode payload", err, "key", key)
		return zero, nil, false
	}
	return v, entry, true
}

// Entries returns every cached entry of the given type.
func (a *Accessor) Entries(ctx context.Context, entityType types.EntityType) []*types.CachedEntry {
	if atomic.LoadInt32(&a.closed) != 0 {
		return nil
	}
	store, err := a.manager.Open(ctx)
	if err != nil {
		a.fail("Entries: open store", err, "type", entityType)
		return nil
	}
	recs, err := store.GetAll(ctx, storage.AreaCache, &storage.IndexFilter{
		Index: storage.IndexType,
		Value: string(entityType),
	})
	if err != nil {
		a.fail("Entries: list failed", err, "type", entityType)
		return nil
	}

	entries := make([]*types.CachedEntry, 0, len(recs))
	for _, rec := range recs {
		entry, err := a.decodeEntry(rec.Value)
		if err != nil {
			a.fail("Entries: decode failed", err, "key", rec.Key)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// AddCachedEntity appends record to every cached collection of the type,
// replacing a record with the same id. It returns the number of entries
// patched.
func (a *Accessor) AddCachedEntity(ctx context.Context, entityType types.EntityType, record map[string]any) int {
	strategy, rec, ok := a.prepare(entityType, record)
	if !ok {
		return 0
	}
	onCollection, onRecord := strategy.addOps(rec)
	return a.patchType(ctx, entityType, strategy, onCollection, onRecord)
}

// UpdateCachedEntity applies updater to the record with id in every cached
// view of the type. updater receives a copy and returns the new record.
func (a *Accessor) UpdateCachedEntity(ctx context.Context, entityType types.EntityType, id string, updater func(map[string]any) map[string]any) int {
	strategy, ok := a.strategy(entityType)
	if !ok || updater == nil {
		return 0
	}
	onCollection, onRecord := strategy.updateOps(id, func(rec map[string]any) map[string]any {
		next, err := normalizeRecord(updater(rec))
		if err != nil {
			a.fail("UpdateCachedEntity: encode record", err, "type", entityType, "id", id)
			return nil
		}
		return next
	})
	return a.patchType(ctx, entityType, strategy, onCollection, onRecord)
}

// RemoveCachedEntity splices the record with id out of every cached
// collection of the type. Single-record entries are left alone.
func (a *Accessor) RemoveCachedEntity(ctx context.Context, entityType types.EntityType, id string) int {
	strategy, ok := a.strategy(entityType)
	if !ok {
		return 0
	}
	onCollection, onRecord := strategy.removeOps(id)
	return a.patchType(ctx, entityType, strategy, onCollection, onRecord)
}

// ReplaceCachedEntity swaps the record known locally as oldID for record,
// typically the server's copy of a provisional record.
func (a *Accessor) ReplaceCachedEntity(ctx context.Context, entityType types.EntityType, oldID string, record map[string]any) int {
	strategy, rec, ok := a.prepare(entityType, record)
	if !ok {
		return 0
	}
	onCollection, onRecord := strategy.replaceOps(oldID, rec)
	return a.patchType(ctx, entityType, strategy, onCollection, onRecord)
}

// Invalidate deletes every cached entry of the type.
func (a *Accessor) Invalidate(ctx context.Context, entityType types.EntityType) int {
	entries := a.Entries(ctx, entityType)
	for _, entry := range entries {
		a.Delete(ctx, entry.Key)
	}
	if len(entries) > 0 {
		atomic.AddInt64(&a.stats.Invalidations, 1)
		if a.options.DebugMode {
			a.logger.Debug("Invalidate: dropped entries", "type", entityType, "count", len(entries))
		}
	}
	return len(entries)
}

// Delete removes one entry.
func (a *Accessor) Delete(ctx context.Context, key string) {
	a.local.Delete(key)
	store, err := a.manager.Open(ctx)
	if err != nil {
		a.fail("Delete: open store", err, "key", key)
		return
	}
	if err := store.Delete(ctx, storage.AreaCache, key); err != nil {
		a.fail("Delete: delete failed", err, "key", key)
	}
}

// Clear removes every cached entry.
func (a *Accessor) Clear(ctx context.Context) {
	a.local.Clear()
	store, err := a.manager.Open(ctx)
	if err != nil {
		a.fail("Clear: open store", err)
		return
	}
	if err := store.Clear(ctx, storage.AreaCache); err != nil {
		a.fail("Clear: clear failed", err)
	}
}

// Stats returns accessor statistics.
func (a *Accessor) Stats() Stats {
	return Stats{
		LocalHits:     atomic.LoadInt64(&a.stats.LocalHits),
		LocalMisses:   atomic.LoadInt64(&a.stats.LocalMisses),
		StoreHits:     atomic.LoadInt64(&a.stats.StoreHits),
		StoreMisses:   atomic.LoadInt64(&a.stats.StoreMisses),
		StoreErrors:   atomic.LoadInt64(&a.stats.StoreErrors),
		Patches:       atomic.LoadInt64(&a.stats.Patches),
		Invalidations: atomic.LoadInt64(&a.stats.Invalidations),
	}
}

// Close releases the in-memory tier. The store belongs to the manager.
func (a *Accessor) Close() error {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return nil
	}
	a.local.Close()
	return nil
}

func (a *Accessor) strategy(entityType types.EntityType) (PatchStrategy, bool) {
	strategy, ok := StrategyFor(entityType)
	if !ok {
		a.logger.Warn("no patch strategy for entity type", "type", entityType)
	}
	return strategy, ok
}

func (a *Accessor) prepare(entityType types.EntityType, record map[string]any) (PatchStrategy, map[string]any, bool) {
	strategy, ok := a.strategy(entityType)
	if !ok || record == nil {
		return strategy, nil, false
	}
	rec, err := normalizeRecord(record)
	if err != nil {
		a.fail("patch: encode record", err, "type", entityType)
		return strategy, nil, false
	}
	return strategy, rec, true
}

func (a *Accessor) patchType(ctx context.Context, entityType types.EntityType, strategy PatchStrategy, onCollection collectionOp, onRecord recordOp) int {
	if atomic.LoadInt32(&a.closed) != 0 {
		return 0
	}

	a.patchMu.Lock()
	defer a.patchMu.Unlock()

	patched := 0
	for _, entry := range a.Entries(ctx, entityType) {
		payload, changed, err := strategy.patch(entry.Payload, onCollection, onRecord)
		if err != nil {
			a.fail("patch: payload is not JSON", err, "key", entry.Key)
			continue
		}
		if !changed {
			continue
		}
		entry.Payload = payload
		entry.UpdatedAt = a.clock.Now()
		if a.put(ctx, entry) {
			patched++
		}
	}
	if patched > 0 {
		atomic.AddInt64(&a.stats.Patches, int64(patched))
		if a.options.DebugMode {
			a.logger.Debug("patch: updated cached views", "type", entityType, "entries", patched)
		}
	}
	return patched
}

func (a *Accessor) put(ctx context.Context, entry *types.CachedEntry) bool {
	data, err := a.serializer.Marshal(entry)
	if err != nil {
		a.fail("put: encode entry", err, "key", entry.Key)
		return false
	}

	// Keep the hot tier consistent even if the durable write fails.
	a.local.Set(entry.Key, entry, 1)

	store, err := a.manager.Open(ctx)
	if err != nil {
		a.fail("put: open store", err, "key", entry.Key)
		return false
	}
	rec := storage.Record{
		Key: entry.Key,
		Indexes: map[string]string{
			storage.IndexType:      string(entry.Type),
			storage.IndexUpdatedAt: storage.EncodeTime(entry.UpdatedAt),
		},
		Value: data,
	}
	if err := store.Put(ctx, storage.AreaCache, rec); err != nil {
		a.fail("put: write failed", err, "key", entry.Key)
		return false
	}
	if a.options.DebugMode {
		a.logger.Debug("put: stored entry", "key", entry.Key, "type", entry.Type)
	}
	return true
}

func (a *Accessor) encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return a.serializer.Marshal(payload)
	}
}

func (a *Accessor) decodeEntry(data []byte) (*types.CachedEntry, error) {
	var entry types.CachedEntry
	if err := a.serializer.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (a *Accessor) fail(msg string, err error, args ...any) {
	atomic.AddInt64(&a.stats.StoreErrors, 1)
	a.logger.Error(msg, append(args, "error", err)...)
	if a.options.OnError != nil {
		a.options.OnError(err)
	}
}
