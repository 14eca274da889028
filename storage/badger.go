package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
const (
	prefixData  = byte(0x01) // data:area:key -> envelope
	prefixIndex = byte(0x02) // index:area:name:value:key -> []byte{}
)

const sep = byte(0x00)

// envelope is what a data key holds: the value plus the index values written
// with it, so a later Put or Delete can drop stale index keys.
type envelope struct {
	Indexes map[string]string `json:"i,omitempty"`
	Value   []byte            `json:"v"`
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory (tests).
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives badger's own log output. Nil keeps it quiet.
	Logger badger.Logger
}

// BadgerStore implements Store on top of BadgerDB.
//
// Key structure:
//   - Data:  0x01 + area + 0x00 + key -> JSON(envelope)
//   - Index: 0x02 + area + 0x00 + name + 0x00 + value + 0x00 + key -> empty
type BadgerStore struct {
	db         *badger.DB
	serializer Serializer
	mu         sync.RWMutex
	closed     bool
}

// NewBadgerStore opens a badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, serializer: NewJSONSerializer()}, nil
}

func dataKey(area Area, key string) []byte {
	k := make([]byte, 0, 2+len(area)+len(key))
	k = append(k, prefixData)
	k = append(k, area...)
	k = append(k, sep)
	return append(k, key...)
}

func dataPrefix(area Area) []byte {
	return append(append([]byte{prefixData}, area...), sep)
}

func indexPrefix(area Area, name string) []byte {
	k := append([]byte{prefixIndex}, area...)
	k = append(k, sep)
	k = append(k, name...)
	return append(k, sep)
}

func indexKey(area Area, name, value, key string) []byte {
	k := indexPrefix(area, name)
	k = append(k, value...)
	k = append(k, sep)
	return append(k, key...)
}

func areaIndexPrefix(area Area) []byte {
	return append(append([]byte{prefixIndex}, area...), sep)
}

func (b *BadgerStore) ensureOpen() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	return nil
}

func (b *BadgerStore) withView(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *BadgerStore) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func (b *BadgerStore) readEnvelope(txn *badger.Txn, key []byte) (*envelope, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := b.serializer.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &env, nil
}

func (b *BadgerStore) dropIndexes(txn *badger.Txn, area Area, key string, indexes map[string]string) error {
	for name, value := range indexes {
		if err := txn.Delete(indexKey(area, name, value, key)); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or replaces a record and its index keys in one transaction.
func (b *BadgerStore) Put(ctx context.Context, area Area, rec Record) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := b.serializer.Marshal(envelope{Indexes: rec.Indexes, Value: rec.Value})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return b.withUpdate(func(txn *badger.Txn) error {
		key := dataKey(area, rec.Key)
		old, err := b.readEnvelope(txn, key)
		switch {
		case err == nil:
			if err := b.dropIndexes(txn, area, rec.Key, old.Indexes); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		for name, value := range rec.Indexes {
			if err := txn.Set(indexKey(area, name, value, rec.Key), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the record stored under key.
func (b *BadgerStore) Get(ctx context.Context, area Area, key string) (Record, error) {
	if err := checkArea(area); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var rec Record
	err := b.withView(func(txn *badger.Txn) error {
		env, err := b.readEnvelope(txn, dataKey(area, key))
		if err != nil {
			return err
		}
		rec = Record{Key: key, Value: env.Value}
		return nil
	})
	return rec, err
}

// GetAll returns the records of an area, optionally through an index.
func (b *BadgerStore) GetAll(ctx context.Context, area Area, filter *IndexFilter) ([]Record, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	err := b.withView(func(txn *badger.Txn) error {
		if filter == nil {
			prefix := dataPrefix(area)
			it := txn.NewIterator(badgerIterOptsPrefetchValues(prefix, 100))
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				var env envelope
				if err := b.serializer.Unmarshal(raw, &env); err != nil {
					return fmt.Errorf("decode record: %w", err)
				}
				out = append(out, Record{Key: string(item.Key()[len(prefix):]), Value: env.Value})
			}
			return nil
		}

		prefix := indexPrefix(area, filter.Index)
		if filter.Value != "" {
			prefix = append(append(prefix, filter.Value...), sep)
		}
		keys, err := b.indexedKeys(txn, prefix, filter.Value == "")
		if err != nil {
			return err
		}
		for _, key := range keys {
			env, err := b.readEnvelope(txn, dataKey(area, key))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, Record{Key: key, Value: env.Value})
		}
		return nil
	})
	return out, err
}

// indexedKeys collects primary keys under an index prefix. When the prefix
// stops at the index name, each key is still preceded by its index value.
func (b *BadgerStore) indexedKeys(txn *badger.Txn, prefix []byte, withValue bool) ([]string, error) {
	it := txn.NewIterator(badgerIterOptsKeyOnly(prefix))
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		rest := it.Item().Key()[len(prefix):]
		if withValue {
			i := bytes.IndexByte(rest, sep)
			if i < 0 {
				continue
			}
			rest = rest[i+1:]
		}
		keys = append(keys, string(rest))
	}
	return keys, nil
}

// Delete removes a record and its index keys.
func (b *BadgerStore) Delete(ctx context.Context, area Area, key string) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.withUpdate(func(txn *badger.Txn) error {
		k := dataKey(area, key)
		env, err := b.readEnvelope(txn, k)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.dropIndexes(txn, area, key, env.Indexes); err != nil {
			return err
		}
		return txn.Delete(k)
	})
}

// Clear drops every data and index key of the area.
func (b *BadgerStore) Clear(ctx context.Context, area Area) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.DropPrefix(dataPrefix(area), areaIndexPrefix(area))
}

// Close closes the database. Closing twice is a no-op.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func badgerIterOptsKeyOnly(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	return opts
}

func badgerIterOptsPrefetchValues(prefix []byte, prefetchSize int) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	if prefetchSize > 0 {
		opts.PrefetchSize = prefetchSize
	}
	opts.Prefix = prefix
	return opts
}
