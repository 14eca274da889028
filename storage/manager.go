package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Supported backends.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options configures a Manager.
type Options struct {
	// Backend is one of "badger", "sqlite" or "memory".
	Backend string

	// Path is the badger directory or the sqlite file.
	Path string

	// SyncWrites fsyncs every badger write.
	SyncWrites bool

	// BadgerLogger receives badger's log output. Nil keeps it quiet.
	BadgerLogger badger.Logger
}

// Validate validates the options.
func (o Options) Validate() error {
	switch o.Backend {
	case BackendMemory:
		return nil
	case BackendBadger, BackendSQLite:
		if o.Path == "" {
			return fmt.Errorf("storage path is required for %s backend", o.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage backend %q", o.Backend)
	}
}

// Manager owns the single physical store connection of a process. It opens
// the backend on first use; Open may be called concurrently and repeatedly.
type Manager struct {
	opts  Options
	mu    sync.Mutex
	store Store
}

// NewManager creates a manager. Nothing is opened until Open is called.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// NewManagerWithStore wraps an already opened store.
func NewManagerWithStore(store Store) *Manager {
	return &Manager{store: store}
}

// Open returns the shared store, opening it on the first call. A failed
// open is retried by the next caller.
func (m *Manager) Open(ctx context.Context) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		return m.store, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.opts.Validate(); err != nil {
		return nil, err
	}

	var (
		store Store
		err   error
	)
	switch m.opts.Backend {
	case BackendMemory:
		store, err = NewBadgerStore(BadgerOptions{InMemory: true, Logger: m.opts.BadgerLogger})
	case BackendBadger:
		store, err = NewBadgerStore(BadgerOptions{
			Dir:        m.opts.Path,
			SyncWrites: m.opts.SyncWrites,
			Logger:     m.opts.BadgerLogger,
		})
	case BackendSQLite:
		if mkErr := os.MkdirAll(filepath.Dir(m.opts.Path), 0o700); mkErr != nil {
			return nil, fmt.Errorf("create storage dir: %w", mkErr)
		}
		store, err = OpenSQLite(m.opts.Path)
	}
	if err != nil {
		return nil, err
	}
	m.store = store
	return store, nil
}

// Close closes the shared store if it was opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	return err
}
