// Package queue implements the durable FIFO of mutations waiting to be
// replayed against the server.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/storage"
	"github.com/huykn/offline-sync/types"
)

// ErrNotQueued is returned when a mutation id is not in the queue.
var ErrNotQueued = errors.New("mutation not queued")

// ErrInvalidMutation is returned by Enqueue for a mutation without a URL or method.
var ErrInvalidMutation = errors.New("invalid mutation")

// Options configures a Queue.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// Clock stamps CreatedAt. Defaults to the wall clock.
	Clock clock.Clock
}

// Queue stores QueuedMutation records in the mutations area.
// Unlike the cache accessor it returns storage errors: a lost write is not
// a cache miss.
type Queue struct {
	manager *storage.Manager
	logger  cache.Logger
	clock   clock.Clock
	debug   bool

	mu   sync.Mutex
	last time.Time
}

// New creates a queue over the store owned by manager.
func New(manager *storage.Manager, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Queue{
		manager: manager,
		logger:  opts.Logger,
		clock:   opts.Clock,
		debug:   opts.DebugMode,
	}
}

// Enqueue persists m and returns the stored copy. ID, CreatedAt and Kind
// are filled in when empty; RetryCount starts at zero.
func (q *Queue) Enqueue(ctx context.Context, m types.QueuedMutation) (*types.QueuedMutation, error) {
	if m.URL == "" || m.Method == "" {
		return nil, fmt.Errorf("%w: url and method are required", ErrInvalidMutation)
	}
	m.Method = strings.ToUpper(m.Method)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = types.KindForMethod(m.Method)
	}
	if m.Kind == types.KindDelete {
		m.Body = nil
	}
	m.RetryCount = 0
	m.LastError = ""
	m.CreatedAt = q.nextCreatedAt()

	if err := q.put(ctx, &m); err != nil {
		return nil, err
	}
	if q.debug {
		q.logger.Debug("Enqueue: queued mutation", "id", m.ID, "method", m.Method, "url", m.URL)
	}
	return &m, nil
}

// nextCreatedAt keeps CreatedAt strictly increasing so FIFO order survives
// equal clock readings.
func (q *Queue) nextCreatedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	if !now.After(q.last) {
		now = q.last.Add(time.Nanosecond)
	}
	q.last = now
	return now
}

// List returns every queued mutation, oldest first.
func (q *Queue) List(ctx context.Context) ([]*types.QueuedMutation, error) {
	return q.list(ctx, &storage.IndexFilter{Index: storage.IndexCreatedAt})
}

// ListByEntityType returns the queued mutations of one entity type, oldest first.
func (q *Queue) ListByEntityType(ctx context.Context, entityType types.EntityType) ([]*types.QueuedMutation, error) {
	items, err := q.list(ctx, &storage.IndexFilter{Index: storage.IndexEntityType, Value: string(entityType)})
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(items)
	return items, nil
}

// Count returns the queue depth.
func (q *Queue) Count(ctx context.Context) (int, error) {
	store, err := q.manager.Open(ctx)
	if err != nil {
		return 0, err
	}
	recs, err := store.GetAll(ctx, storage.AreaMutations, nil)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Get returns one queued mutation.
func (q *Queue) Get(ctx context.Context, id string) (*types.QueuedMutation, error) {
	store, err := q.manager.Open(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := store.Get(ctx, storage.AreaMutations, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
		}
		return nil, err
	}
	return decode(rec.Value)
}

// Remove deletes a mutation. Removing an id that is gone is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	store, err := q.manager.Open(ctx)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, storage.AreaMutations, id); err != nil {
		return err
	}
	if q.debug {
		q.logger.Debug("Remove: dequeued mutation", "id", id)
	}
	return nil
}

// IncrementRetry bumps RetryCount by one and records the failure.
func (q *Queue) IncrementRetry(ctx context.Context, id string, cause error) (*types.QueuedMutation, error) {
	m, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.RetryCount++
	if cause != nil {
		m.LastError = cause.Error()
	}
	if err := q.put(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Update rewrites a queued mutation in place, keeping its position.
func (q *Queue) Update(ctx context.Context, m *types.QueuedMutation) error {
	if _, err := q.Get(ctx, m.ID); err != nil {
		return err
	}
	return q.put(ctx, m)
}

// Clear drops every queued mutation.
func (q *Queue) Clear(ctx context.Context) error {
	store, err := q.manager.Open(ctx)
	if err != nil {
		return err
	}
	return store.Clear(ctx, storage.AreaMutations)
}

func (q *Queue) put(ctx context.Context, m *types.QueuedMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	store, err := q.manager.Open(ctx)
	if err != nil {
		return err
	}
	rec := storage.Record{
		Key: m.ID,
		Indexes: map[string]string{
			storage.IndexEntityType: string(m.EntityType),
			storage.IndexCreatedAt:  storage.EncodeTime(m.CreatedAt),
		},
		Value: data,
	}
	if err := store.Put(ctx, storage.AreaMutations, rec); err != nil {
		return fmt.Errorf("store mutation %s: %w", m.ID, err)
	}
	return nil
}

func (q *Queue) list(ctx context.Context, filter *storage.IndexFilter) ([]*types.QueuedMutation, error) {
	store, err := q.manager.Open(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := store.GetAll(ctx, storage.AreaMutations, filter)
	if err != nil {
		return nil, err
	}
	items := make([]*types.QueuedMutation, 0, len(recs))
	for _, rec := range recs {
		m, err := decode(rec.Value)
		if err != nil {
			q.logger.Error("List: skipping undecodable mutation", "id", rec.Key, "error", err)
			continue
		}
		items = append(items, m)
	}
	return items, nil
}

func decode(data []byte) (*types.QueuedMutation, error) {
	var m types.QueuedMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mutation: %w", err)
	}
	return &m, nil
}

func sortByCreatedAt(items []*types.QueuedMutation) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
