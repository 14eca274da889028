// Package storage provides the durable key-value areas behind the offline
// cache and the mutation queue, plus the Redis response store used by the
// edge proxy.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Area names one logical key space of the durable store.
type Area string

const (
	// AreaCache holds CachedEntry records keyed by cache key.
	AreaCache Area = "cache"

	// AreaMutations holds QueuedMutation records keyed by mutation id.
	AreaMutations Area = "mutations"
)

// Secondary index names.
const (
	IndexType       = "type"
	IndexUpdatedAt  = "updatedAt"
	IndexEntityType = "entityType"
	IndexCreatedAt  = "createdAt"
)

// Valid reports whether the area is one the store knows about.
func (a Area) Valid() bool {
	return a == AreaCache || a == AreaMutations
}

// Record is one stored value with its primary key and secondary index values.
// Index values are compared as strings; use EncodeTime for timestamps.
// Indexes are only consulted on write; reads return Key and Value.
type Record struct {
	Key     string
	Indexes map[string]string
	Value   []byte
}

// IndexFilter selects records through a secondary index.
// An empty Value returns every record carrying the index, ordered by the
// index value. A non-empty Value returns exact matches ordered by key.
type IndexFilter struct {
	Index string
	Value string
}

// Store is a transactional store with two areas and secondary indexes.
// Every Put and Delete, including its index maintenance, is atomic.
type Store interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, area Area, rec Record) error

	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, area Area, key string) (Record, error)

	// GetAll returns every record in the area, or the ones selected by filter.
	// A nil filter orders by primary key.
	GetAll(ctx context.Context, area Area, filter *IndexFilter) ([]Record, error)

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, area Area, key string) error

	// Clear removes every record of an area.
	Clear(ctx context.Context, area Area) error

	// Close releases the underlying connection.
	Close() error
}

// EncodeTime renders t so that lexical order matches chronological order.
func EncodeTime(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStoreClosed is returned when a closed store is used.
var ErrStoreClosed = errors.New("store is closed")

// ErrUnknownArea is returned for areas other than cache and mutations.
var ErrUnknownArea = errors.New("unknown storage area")

func checkArea(area Area) error {
	if !area.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownArea, area)
	}
	return nil
}
