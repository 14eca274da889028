package edgeproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/offline-sync/storage"
)

var storedAt = time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)

// origin is a scripted application server. It doubles as the proxy's
// transport so tests can take it offline.
type origin struct {
	srv  *httptest.Server
	down atomic.Bool

	mu     sync.Mutex
	hits   map[string]int
	asset  string
	posted []string
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int), asset: "console.log('v1')"}
	mux := http.NewServeMux()
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body := o.asset
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, body)
	})
	mux.HandleFunc("/api/crops", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"crops":[{"id":"x","status":"growing"}]}`)
	})
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			o.mu.Lock()
			o.posted = append(o.posted, string(body))
			o.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"t1"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":"t0"}]`)
	})
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"user":"ana"}`)
	})
	mux.HandleFunc("/api/crops/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	})
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

// RoundTrip fails like an unreachable host while the origin is down.
func (o *origin) RoundTrip(r *http.Request) (*http.Response, error) {
	if o.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) postedBodies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.posted...)
}

func (o *origin) setAsset(body string) {
	o.mu.Lock()
	o.asset = body
	o.mu.Unlock()
}

func newTestProxy(t *testing.T, o *origin, mutate func(*Options)) *Proxy {
	t.Helper()
	opts := DefaultOptions()
	opts.Origin = o.srv.URL
	opts.Transport = o
	opts.Clock = testclock.NewClock(storedAt)
	opts.Precache = nil
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func get(p *Proxy, target string, header ...string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)
	return rec
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Origin = "http://app.local"
	opts.CacheVersion = ""
	_, err = New(opts)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	p := newTestProxy(t, newOrigin(t), nil)

	tests := []struct {
		target string
		accept string
		want   Strategy
	}{
		{"/app.js", "", StrategyStatic},
		{"/assets/logo", "", StrategyStatic},
		{"/favicon.ICO", "", StrategyStatic},
		{"/api/crops", "", StrategyCacheableAPI},
		{"/api/crops/x?farm=1", "", StrategyCacheableAPI},
		{"/api/dashboard", "", StrategyCacheableAPI},
		{"/api/cropsx", "", StrategyAPI},
		{"/api/auth/me", "", StrategyAPI},
		{"/farms/1", "text/html,application/xhtml+xml", StrategyNavigation},
		{"/farms/1", "", StrategyPassthrough},
	}
	for _, test := range tests {
		r := httptest.NewRequest(http.MethodGet, test.target, nil)
		if test.accept != "" {
			r.Header.Set("Accept", test.accept)
		}
		assert.Equal(t, test.want, p.Classify(r), test.target)
	}

	nav := httptest.NewRequest(http.MethodGet, "/farms", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.Equal(t, StrategyNavigation, p.Classify(nav))
}

func TestStaticCacheFirstWithRefresh(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log('v1')", rec.Body.String())
	assert.Equal(t, 1, o.hitCount("/app.js"))

	o.setAsset("console.log('v2')")

	// Served from the cache; the refresh picks up the new body.
	rec = get(p, "/app.js")
	assert.Equal(t, "console.log('v1')", rec.Body.String())
	p.wg.Wait()
	assert.Equal(t, 2, o.hitCount("/app.js"))

	rec = get(p, "/app.js")
	assert.Equal(t, "console.log('v2')", rec.Body.String())

	// Offline the cached copy still answers.
	p.wg.Wait()
	o.down.Store(true)
	rec = get(p, "/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log('v2')", rec.Body.String())
}

func TestStaticMissWhileOffline(t *testing.T) {
	o := newOrigin(t)
	o.down.Store(true)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/app.js")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Network unavailable","offline":true}`, rec.Body.String())
}

func TestCacheableAPIFallsBackWithMarker(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/api/crops")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderOffline))

	o.down.Store(true)
	rec = get(p, "/api/crops")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderOffline))
	assert.Equal(t, "2026-05-01T06:00:00Z", rec.Header().Get(HeaderCachedAt))
	assert.JSONEq(t, `{"crops":[{"id":"x","status":"growing"}],"_offline":true,"_cachedAt":"2026-05-01T06:00:00Z"}`, rec.Body.String())
}

func TestCacheableAPIArrayBodyGetsHeadersOnly(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	get(p, "/api/tasks")
	o.down.Store(true)

	rec := get(p, "/api/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderOffline))
	assert.JSONEq(t, `[{"id":"t0"}]`, rec.Body.String())
}

func TestCacheableAPIErrorsAreNotStored(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/api/crops/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	o.down.Store(true)
	rec = get(p, "/api/crops/missing")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Network unavailable","offline":true}`, rec.Body.String())
}

func TestAPINetworkOnly(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/api/auth/me")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"ana"}`, rec.Body.String())
	assert.Equal(t, 0, p.Status(context.Background()).Entries[bucketAPI])

	o.down.Store(true)
	rec = get(p, "/api/auth/me")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderOffline))
}

func TestNavigationFallbacks(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	rec := get(p, "/farms/1", "Accept", "text/html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>/farms/1</html>", rec.Body.String())

	o.down.Store(true)
	rec = get(p, "/farms/1", "Accept", "text/html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>/farms/1</html>", rec.Body.String())

	rec = get(p, "/farms/2", "Accept", "text/html")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, string(defaultOfflinePage), rec.Body.String())
}

func TestCustomOfflinePage(t *testing.T) {
	o := newOrigin(t)
	o.down.Store(true)
	p := newTestProxy(t, o, func(opts *Options) {
		opts.OfflinePage = []byte("<p>offline</p>")
	})

	rec := get(p, "/", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, "<p>offline</p>", rec.Body.String())
}

func TestPassthrough(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"A"}`))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"t1"}`, rec.Body.String())
	assert.Equal(t, []string{`{"title":"A"}`}, o.postedBodies())

	o.down.Store(true)
	r = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"B"}`))
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Network unavailable","offline":true}`, rec.Body.String())
}

func newTestRedis(t *testing.T) (*storage.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := storage.NewRedisStore(storage.RedisOptions{Addr: mr.Addr(), Prefix: "edge:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestSharedTierServesOtherProcesses(t *testing.T) {
	store, mr := newTestRedis(t)
	o := newOrigin(t)
	first := newTestProxy(t, o, func(opts *Options) { opts.Redis = store })

	get(first, "/api/crops")
	assert.True(t, mr.Exists("edge:v1:api:/api/crops"))

	o.down.Store(true)
	second := newTestProxy(t, o, func(opts *Options) { opts.Redis = store })

	rec := get(second, "/api/crops")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["_offline"])
	assert.Equal(t, int64(1), second.cache.Stats().RemoteHits)
}

func TestVersionSwitchWaitsForSkipWaiting(t *testing.T) {
	store, mr := newTestRedis(t)
	o := newOrigin(t)
	ctx := context.Background()

	old := newTestProxy(t, o, func(opts *Options) { opts.Redis = store })
	assert.Equal(t, "v1", old.Version())
	get(old, "/app.js")

	next := newTestProxy(t, o, func(opts *Options) {
		opts.Redis = store
		opts.CacheVersion = "v2"
		opts.Precache = []string{"/", "/app.js"}
	})
	assert.Equal(t, "v1", next.Version())
	assert.Equal(t, "v2", next.Pending())
	assert.False(t, next.Status(ctx).Active)
	assert.True(t, mr.Exists("edge:v2:pages:/"))
	assert.True(t, mr.Exists("edge:v2:static:/app.js"))

	require.NoError(t, next.SkipWaiting(ctx))
	assert.Equal(t, "v2", next.Version())
	assert.Empty(t, next.Pending())
	assert.False(t, mr.Exists("edge:v1:static:/app.js"))

	marker, err := mr.Get("edge:" + versionKey)
	require.NoError(t, err)
	assert.Equal(t, "v2", marker)

	// Nothing left to activate.
	require.NoError(t, next.SkipWaiting(ctx))
	assert.Equal(t, "v2", next.Version())
}

func TestPrecacheWithoutSharedTier(t *testing.T) {
	o := newOrigin(t)
	p := newTestProxy(t, o, func(opts *Options) {
		opts.Precache = []string{"/", "/api/crops", "/api/crops/missing"}
	})
	assert.Equal(t, "v1", p.Version())

	o.down.Store(true)
	rec := get(p, "/", "Accept", "text/html")
	assert.Equal(t, "<html>/</html>", rec.Body.String())

	status := p.Status(context.Background())
	assert.True(t, status.Active)
	assert.Equal(t, 1, status.Entries[bucketPages])
	assert.Equal(t, 1, status.Entries[bucketAPI])
	assert.Positive(t, status.Bytes)
}

func TestCloseWaitsForRefresh(t *testing.T) {
	o := newOrigin(t)
	opts := DefaultOptions()
	opts.Origin = o.srv.URL
	opts.Transport = o
	opts.Precache = nil
	p, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	get(p, "/app.js")
	get(p, "/app.js")
	require.NoError(t, p.Close())

	pending := 0
	p.refreshing.Range(func(any, any) bool {
		pending++
		return true
	})
	assert.Zero(t, pending)

	_, ok := p.cache.Get(context.Background(), "v1:static:/app.js")
	assert.False(t, ok)
	require.NoError(t, p.Close())
}
