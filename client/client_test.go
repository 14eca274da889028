package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/queue"
	"github.com/huykn/offline-sync/storage"
	"github.com/huykn/offline-sync/types"
)

type fixture struct {
	clock    *testclock.Clock
	accessor *cache.Accessor
	queue    *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC))
	manager := storage.NewManager(storage.Options{Backend: storage.BackendMemory})
	t.Cleanup(func() { _ = manager.Close() })

	opts := cache.DefaultOptions()
	opts.Clock = clk
	accessor, err := cache.NewAccessor(manager, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = accessor.Close() })

	return &fixture{
		clock:    clk,
		accessor: accessor,
		queue:    queue.New(manager, queue.Options{Clock: clk}),
	}
}

// downURL returns the address of a server that is no longer listening.
func downURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestIsConnectivityError(t *testing.T) {
	assert.False(t, IsConnectivityError(nil))
	assert.False(t, IsConnectivityError(errors.New("boom")))
	assert.False(t, IsConnectivityError(&HTTPError{StatusCode: 500}))
	assert.False(t, IsConnectivityError(context.Canceled))
	assert.True(t, IsConnectivityError(ErrServerOffline))
	assert.True(t, IsConnectivityError(context.DeadlineExceeded))
	assert.True(t, IsConnectivityError(&net.OpError{Op: "dial", Err: errors.New("refused")}))

	_, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: downURL(t)})
	assert.True(t, IsConnectivityError(err))
}

func TestDoClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline":
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"offline","offline":true}`)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"busy"}`)
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"status":"harvested"}`)
		default:
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "k1", r.Header.Get(IdempotencyKeyHeader))
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	resp, err := Do(ctx, srv.Client(), Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/echo",
		Body:   json.RawMessage(`{"a":1}`),
		Header: http.Header{IdempotencyKeyHeader: []string{"k1"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(resp.Body))

	_, err = Do(ctx, srv.Client(), Request{Method: http.MethodGet, URL: srv.URL + "/offline"})
	assert.ErrorIs(t, err, ErrServerOffline)

	_, err = Do(ctx, srv.Client(), Request{Method: http.MethodGet, URL: srv.URL + "/busy"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)

	_, err = Do(ctx, srv.Client(), Request{Method: http.MethodPut, URL: srv.URL + "/conflict"})
	assert.True(t, IsConflict(err))
	require.ErrorAs(t, err, &httpErr)
	assert.JSONEq(t, `{"status":"harvested"}`, string(httpErr.Body))
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "http://h/api/tasks", ResolveURL("http://h/", "/api/tasks"))
	assert.Equal(t, "http://h/api/tasks", ResolveURL("http://h", "api/tasks"))
	assert.Equal(t, "http://other/x", ResolveURL("http://h", "http://other/x"))
	assert.Equal(t, "/x", ResolveURL("", "/x"))
}

func TestFetchPersistsFreshData(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"c1"}]`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	ctx := context.Background()

	res, err := fetcher.Fetch(ctx, "/api/crops", FetchOptions{CacheKey: "crops:all", CacheType: types.Crops, CacheTTL: time.Hour})
	require.NoError(t, err)
	assert.False(t, res.IsCached)
	assert.False(t, res.IsOffline)
	assert.JSONEq(t, `[{"id":"c1"}]`, string(res.Data))

	entry, ok := f.accessor.GetCachedData(ctx, "crops:all")
	require.True(t, ok)
	assert.Equal(t, types.Crops, entry.Type)
	assert.JSONEq(t, `[{"id":"c1"}]`, string(entry.Payload))
}

func TestFetchFallsBackToCacheWhenUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accessor.CacheData(ctx, "farms:all", types.Farms, []any{map[string]any{"id": "f1"}}, time.Minute)
	cachedAt := f.clock.Now()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: downURL(t)})

	res, err := fetcher.Fetch(ctx, "/api/farms", FetchOptions{CacheKey: "farms:all"})
	require.NoError(t, err)
	assert.True(t, res.IsOffline)
	assert.True(t, res.IsCached)
	require.NotNil(t, res.CachedAt)
	assert.Equal(t, cachedAt, *res.CachedAt)

	_, err = fetcher.Fetch(ctx, "/api/sales", FetchOptions{CacheKey: "sales:all"})
	assert.ErrorIs(t, err, ErrOfflineNoCache)
}

func TestFetchTreatsOfflineResponseAsConnectivityFailure(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"Network unavailable","offline":true}`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	_, err := fetcher.Fetch(context.Background(), "/api/tasks", FetchOptions{CacheKey: "tasks:all"})
	assert.ErrorIs(t, err, ErrOfflineNoCache)
	assert.ErrorIs(t, err, ErrServerOffline)
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accessor.CacheData(ctx, "tasks:all", types.Tasks, []any{}, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	_, err := fetcher.Fetch(ctx, "/api/tasks", FetchOptions{CacheKey: "tasks:all"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestFetchRecognizesEdgeMarker(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"crops":[],"_offline":true,"_cachedAt":"2026-04-30T10:00:00Z"}`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	ctx := context.Background()

	res, err := fetcher.Fetch(ctx, "/api/crops", FetchOptions{CacheKey: "crops:all", CacheType: types.Crops})
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.True(t, res.IsOffline)
	require.NotNil(t, res.CachedAt)
	assert.Equal(t, time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC), res.CachedAt.UTC())

	_, ok := f.accessor.GetCachedData(ctx, "crops:all")
	assert.False(t, ok, "edge-served copies are not persisted")
}

func TestFetchRecognizesEdgeHeaders(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderOffline, "true")
		w.Header().Set(HeaderCachedAt, "2026-04-30T10:00:00Z")
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	res, err := fetcher.Fetch(context.Background(), "/api/sales", FetchOptions{CacheKey: "sales:all"})
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	require.NotNil(t, res.CachedAt)
}

func TestFetchOfflineOnly(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	ctx := context.Background()

	res, err := fetcher.Fetch(ctx, "/api/tasks", FetchOptions{CacheKey: "tasks:all", OfflineOnly: true})
	require.NoError(t, err)
	assert.Nil(t, res.Data)
	assert.True(t, res.IsOffline)

	f.accessor.CacheData(ctx, "tasks:all", types.Tasks, []any{map[string]any{"id": "t1"}}, time.Minute)

	res, err = fetcher.Fetch(ctx, "/api/tasks", FetchOptions{CacheKey: "tasks:all", OfflineOnly: true})
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.False(t, res.Stale)

	// Past expiry the entry is still served, flagged stale.
	f.clock.Advance(2 * time.Minute)
	res, err = fetcher.Fetch(ctx, "/api/tasks", FetchOptions{CacheKey: "tasks:all", OfflineOnly: true})
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.True(t, res.Stale)
	assert.JSONEq(t, `[{"id":"t1"}]`, string(res.Data))

	assert.Zero(t, hits.Load())
}

func TestFetchStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, `[{"id":"new"}]`)
	}))
	defer srv.Close()

	ctx := context.Background()
	f.accessor.CacheData(ctx, "crops:all", types.Crops, []any{map[string]any{"id": "old"}}, 0)

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	res, err := fetcher.Fetch(ctx, "/api/crops", FetchOptions{CacheKey: "crops:all", CacheType: types.Crops, StaleWhileRevalidate: true})
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.JSONEq(t, `[{"id":"old"}]`, string(res.Data))
	require.NotNil(t, res.Revalidation)

	select {
	case <-res.Revalidation.Done():
		t.Fatal("revalidation finished before the server answered")
	default:
	}

	close(release)
	fresh, err := res.Revalidation.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"new"}]`, string(fresh.Data))

	entry, ok := f.accessor.GetCachedData(ctx, "crops:all")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"new"}]`, string(entry.Payload))
}

func TestRevalidationCancel(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx := context.Background()
	f.accessor.CacheData(ctx, "crops:all", types.Crops, []any{}, 0)

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	res, err := fetcher.Fetch(ctx, "/api/crops", FetchOptions{CacheKey: "crops:all", StaleWhileRevalidate: true})
	require.NoError(t, err)

	res.Revalidation.Cancel()
	_, err = res.Revalidation.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	entry, _ := f.accessor.GetCachedData(ctx, "crops:all")
	assert.JSONEq(t, `[]`, string(entry.Payload))
}

func TestFetchCollapsesConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fetcher.Fetch(context.Background(), "/api/users", FetchOptions{CacheKey: "users:all"})
			assert.NoError(t, err)
		}()
	}
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the other callers time to join the in-flight request.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchJoinedCallerSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		io.WriteString(w, `[{"id":"u2"}]`)
	}))
	defer srv.Close()
	defer close(release)

	f.accessor.CacheData(context.Background(), "users:all", types.Users, []any{map[string]any{"id": "u1"}}, 0)
	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := fetcher.Fetch(ctxA, "/api/users", FetchOptions{CacheKey: "users:all", CacheType: types.Users})
		errA <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		res *FetchResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := fetcher.Fetch(context.Background(), "/api/users", FetchOptions{CacheKey: "users:all", CacheType: types.Users})
		doneB <- outcome{res, err}
	}()
	// Let the second caller join the in-flight request.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	release <- struct{}{}
	select {
	case got := <-doneB:
		require.NoError(t, got.err)
		assert.JSONEq(t, `[{"id":"u2"}]`, string(got.res.Data))
		assert.False(t, got.res.IsOffline)
	case <-time.After(time.Second):
		t.Fatal("joined caller did not resolve")
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchAs(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"f1","name":"North"}`)
	}))
	defer srv.Close()

	type farm struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	fetcher := NewFetcher(f.accessor, FetcherOptions{BaseURL: srv.URL})
	got, _, err := FetchAs[farm](context.Background(), fetcher, "/api/farms/f1", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "North", got.Name)
}
