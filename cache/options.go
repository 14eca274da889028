package cache

import (
	"github.com/juju/clock"
)

// LocalCacheConfig configures a local cache tier.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures an Accessor.
type Options struct {
	// LocalCacheConfig sizes the in-memory tier kept in front of the store.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the in-memory tier.
	// If nil, defaults to an LRU of LocalCacheConfig.MaxSize entries.
	LocalCacheFactory LocalCacheFactory

	// Marshaller encodes entries for the durable store.
	// If nil, defaults to JSON marshaller.
	Marshaller Marshaller

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Clock stamps UpdatedAt/ExpiresAt. If nil, defaults to the wall clock.
	Clock clock.Clock

	// OnError is called when a storage operation fails. The failure itself
	// is never returned to callers.
	OnError func(error)
}

// DefaultOptions returns default accessor options.
func DefaultOptions() Options {
	return Options{
		LocalCacheConfig:  DefaultLocalCacheConfig(),
		LocalCacheFactory: nil, // Will default to LRU in NewAccessor()
		Marshaller:        nil, // Will default to JSON in NewAccessor()
		Logger:            nil, // Will default to no-op in NewAccessor()
		DebugMode:         false,
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            64 << 20, // 64MB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            512,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.LocalCacheFactory == nil && o.LocalCacheConfig.MaxSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ValidateLFU validates the Ristretto settings of a LocalCacheConfig.
func (c LocalCacheConfig) ValidateLFU() error {
	if c.NumCounters <= 0 || c.MaxCost <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
