package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendCase struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backendCase {
	return []backendCase{
		{
			name: "badger",
			open: func(t *testing.T) Store {
				s, err := NewBadgerStore(BadgerOptions{InMemory: true})
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "badger-disk",
			open: func(t *testing.T) Store {
				s, err := NewBadgerStore(BadgerOptions{Dir: t.TempDir()})
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				s, err := OpenSQLite(filepath.Join(t.TempDir(), "offline.db"))
				require.NoError(t, err)
				return s
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func mutationRecord(id, entityType string, created time.Time) Record {
	return Record{
		Key: id,
		Indexes: map[string]string{
			IndexEntityType: entityType,
			IndexCreatedAt:  EncodeTime(created),
		},
		Value: []byte(`{"id":"` + id + `"}`),
	}
}

func keys(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

func TestStorePutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, AreaCache, "crops:all")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Put(ctx, AreaCache, Record{
			Key:     "crops:all",
			Indexes: map[string]string{IndexType: "crops"},
			Value:   []byte(`[1]`),
		}))
		require.NoError(t, s.Put(ctx, AreaCache, Record{
			Key:     "crops:all",
			Indexes: map[string]string{IndexType: "crops"},
			Value:   []byte(`[1,2]`),
		}))

		rec, err := s.Get(ctx, AreaCache, "crops:all")
		require.NoError(t, err)
		assert.Equal(t, "crops:all", rec.Key)
		assert.Equal(t, `[1,2]`, string(rec.Value))

		// Areas are separate key spaces.
		_, err = s.Get(ctx, AreaMutations, "crops:all")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreUnknownArea(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := s.Put(context.Background(), Area("other"), Record{Key: "k"})
		require.ErrorIs(t, err, ErrUnknownArea)
	})
}

func TestStoreIndexOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

		// Primary keys sort opposite to creation time.
		require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("c", "tasks", base)))
		require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("b", "crops", base.Add(time.Second))))
		require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("a", "tasks", base.Add(2*time.Second))))

		all, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexCreatedAt})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, keys(all))

		byKey, err := s.GetAll(ctx, AreaMutations, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys(byKey))

		tasks, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexEntityType, Value: "tasks"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, keys(tasks))
	})
}

func TestStoreReindexOnOverwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("m1", "tasks", now)))
		require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("m1", "crops", now)))

		tasks, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexEntityType, Value: "tasks"})
		require.NoError(t, err)
		assert.Empty(t, tasks)

		crops, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexEntityType, Value: "crops"})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, keys(crops))
	})
}

func TestStoreDeleteAndClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()

		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord(id, "tasks", now)))
		}
		require.NoError(t, s.Put(ctx, AreaCache, Record{Key: "tasks:all", Value: []byte(`[]`)}))

		require.NoError(t, s.Delete(ctx, AreaMutations, "m2"))
		require.NoError(t, s.Delete(ctx, AreaMutations, "missing"))

		rest, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexEntityType, Value: "tasks"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"m1", "m3"}, keys(rest))

		require.NoError(t, s.Clear(ctx, AreaMutations))

		rest, err = s.GetAll(ctx, AreaMutations, nil)
		require.NoError(t, err)
		assert.Empty(t, rest)

		indexed, err := s.GetAll(ctx, AreaMutations, &IndexFilter{Index: IndexCreatedAt})
		require.NoError(t, err)
		assert.Empty(t, indexed)

		// The other area is untouched.
		_, err = s.Get(ctx, AreaCache, "tasks:all")
		require.NoError(t, err)
	})
}

func TestStoreClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.Get(context.Background(), AreaCache, "k")
		require.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(BadgerOptions{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, AreaMutations, mutationRecord("m1", "tasks", time.Now())))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, AreaMutations, "m1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"m1"}`, string(rec.Value))
}

func TestManagerOpensOnce(t *testing.T) {
	m := NewManager(Options{Backend: BackendMemory})
	defer m.Close()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stores []Store
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			stores = append(stores, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stores, 8)
	for _, s := range stores {
		assert.Same(t, stores[0], s)
	}
}

func TestManagerSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "offline.db")
	m := NewManager(Options{Backend: BackendSQLite, Path: path})
	defer m.Close()

	s, err := m.Open(context.Background())
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
}

func TestManagerValidate(t *testing.T) {
	_, err := NewManager(Options{Backend: "nope"}).Open(context.Background())
	require.Error(t, err)

	_, err = NewManager(Options{Backend: BackendBadger}).Open(context.Background())
	require.Error(t, err)
}
