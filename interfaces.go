package offlinesync

import (
	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/client"
	offsync "github.com/huykn/offline-sync/sync"
	"github.com/huykn/offline-sync/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// EntityType is an alias for types.EntityType.
type EntityType = types.EntityType

// CachedEntry is an alias for types.CachedEntry.
type CachedEntry = types.CachedEntry

// QueuedMutation is an alias for types.QueuedMutation.
type QueuedMutation = types.QueuedMutation

// FetchOptions is an alias for client.FetchOptions.
type FetchOptions = client.FetchOptions

// FetchResult is an alias for client.FetchResult.
type FetchResult = client.FetchResult

// Mutation is an alias for client.Mutation.
type Mutation = client.Mutation

// MutateOptions is an alias for client.MutateOptions.
type MutateOptions = client.MutateOptions

// MutationResult is an alias for client.MutationResult.
type MutationResult = client.MutationResult

// Notification is an alias for sync.Notification.
type Notification = offsync.Notification

// DrainResult is an alias for sync.DrainResult.
type DrainResult = offsync.DrainResult

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
