package offlinesync

import (
	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/client"
	"github.com/huykn/offline-sync/queue"
	"github.com/huykn/offline-sync/storage"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig

// ErrNotFound is returned when a stored record does not exist.
var ErrNotFound = storage.ErrNotFound

// ErrNotQueued is returned for a mutation id that is not in the queue.
var ErrNotQueued = queue.ErrNotQueued

// ErrOfflineNoCache is returned when the server is unreachable and nothing
// is cached for the request.
var ErrOfflineNoCache = client.ErrOfflineNoCache

// ErrServerOffline is returned when the server reports itself offline.
var ErrServerOffline = client.ErrServerOffline

// ErrNoURL is returned for a mutation without a target.
var ErrNoURL = client.ErrNoURL
