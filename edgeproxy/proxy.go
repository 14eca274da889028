// Package edgeproxy is an HTTP proxy placed in front of the application
// server. It keeps the application shell and the last known API answers
// available while the server cannot be reached.
package edgeproxy

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/types"
)

//go:embed offline.html
var defaultOfflinePage []byte

// Strategy is how a request is answered.
type Strategy string

const (
	StrategyStatic       Strategy = "static"
	StrategyCacheableAPI Strategy = "api-cacheable"
	StrategyAPI          Strategy = "api"
	StrategyNavigation   Strategy = "navigation"
	StrategyPassthrough  Strategy = "passthrough"
)

// Response sources reported to metrics.
const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
)

// Cache buckets inside a version namespace.
const (
	bucketStatic = "static"
	bucketAPI    = "api"
	bucketPages  = "pages"
)

// Headers on responses served from the cache.
const (
	HeaderCachedAt = "X-Cached-At"
	HeaderOffline  = "X-Offline"
)

// Proxy is an http.Handler in front of the origin.
type Proxy struct {
	opts    Options
	origin  *url.URL
	client  *http.Client
	reverse *httputil.ReverseProxy
	cache   *ResponseCache
	logger  cache.Logger
	clock   clock.Clock

	mu       sync.RWMutex
	active   string
	pending  string
	requests int64

	refreshing sync.Map
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	unsubscribe func()
}

// New creates a proxy. Start must be called before it serves traffic.
func New(opts Options) (*Proxy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if len(opts.OfflinePage) == 0 {
		opts.OfflinePage = defaultOfflinePage
	}

	rc, err := NewResponseCache(ResponseCacheOptions{
		LocalCacheConfig: opts.LocalCacheConfig,
		Store:            opts.Redis,
		Logger:           opts.Logger,
		DebugMode:        opts.DebugMode,
		OnError:          opts.OnError,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		opts:   opts,
		origin: origin,
		client: &http.Client{Transport: opts.Transport, Timeout: opts.Timeout},
		cache:  rc,
		logger: opts.Logger,
		clock:  opts.Clock,
		active: opts.CacheVersion,
		ctx:    ctx,
		cancel: cancel,
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			if p.crossOrigin(r.In) {
				// Absolute-form requests for other hosts go where they point.
				r.Out.Host = r.Out.URL.Host
			} else {
				r.SetURL(p.origin)
			}
			r.SetXForwarded()
		},
		Transport:    opts.Transport,
		ErrorHandler: p.passthroughError,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()

	if r.Method != http.MethodGet || p.crossOrigin(r) {
		p.opts.Metrics.EdgeRequest(string(StrategyPassthrough), sourceNetwork)
		p.reverse.ServeHTTP(w, r)
		return
	}

	strategy := p.Classify(r)
	if p.opts.DebugMode {
		p.logger.Debug("ServeHTTP: classified request", "path", r.URL.Path, "strategy", strategy)
	}
	switch strategy {
	case StrategyStatic:
		p.serveStatic(w, r)
	case StrategyCacheableAPI:
		p.serveCacheableAPI(w, r)
	case StrategyAPI:
		p.serveAPI(w, r)
	case StrategyNavigation:
		p.serveNavigation(w, r)
	default:
		p.opts.Metrics.EdgeRequest(string(StrategyPassthrough), sourceNetwork)
		p.reverse.ServeHTTP(w, r)
	}
}

// Classify returns the strategy for a same-origin GET.
func (p *Proxy) Classify(r *http.Request) Strategy {
	urlPath := r.URL.Path
	if p.isStatic(urlPath) {
		return StrategyStatic
	}
	if strings.HasPrefix(urlPath, p.opts.APIPrefix) {
		for _, prefix := range p.opts.CacheableAPI {
			if urlPath == prefix || strings.HasPrefix(urlPath, strings.TrimRight(prefix, "/")+"/") {
				return StrategyCacheableAPI
			}
		}
		return StrategyAPI
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(r.Header.Get("Accept"), "text/html") {
		return StrategyNavigation
	}
	return StrategyPassthrough
}

func (p *Proxy) isStatic(urlPath string) bool {
	for _, prefix := range p.opts.StaticPrefixes {
		if strings.HasPrefix(urlPath, prefix) {
			return true
		}
	}
	ext := strings.ToLower(path.Ext(urlPath))
	if ext == "" {
		return false
	}
	for _, e := range p.opts.StaticExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// crossOrigin reports whether an absolute-form request targets another host.
func (p *Proxy) crossOrigin(r *http.Request) bool {
	return r.URL.IsAbs() && r.URL.Host != p.origin.Host
}

// serveStatic answers from the cache first and refreshes it in the background.
func (p *Proxy) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := p.key(bucketStatic, r)
	if cached, ok := p.cache.Get(r.Context(), key); ok {
		p.opts.Metrics.EdgeRequest(string(StrategyStatic), sourceCache)
		p.refresh(key, r)
		writeResponse(w, cached, cached.Header)
		return
	}

	resp, err := p.fetch(r.Context(), r)
	if err != nil {
		p.opts.Metrics.EdgeRequest(string(StrategyStatic), sourceOffline)
		writeOfflineJSON(w)
		return
	}
	if isSuccess(resp.Status) {
		p.store(r.Context(), key, resp)
	}
	p.opts.Metrics.EdgeRequest(string(StrategyStatic), sourceNetwork)
	writeResponse(w, resp, resp.Header)
}

// serveCacheableAPI tries the network and falls back to the last stored
// answer, marked as served offline.
func (p *Proxy) serveCacheableAPI(w http.ResponseWriter, r *http.Request) {
	key := p.key(bucketAPI, r)
	resp, err := p.fetch(r.Context(), r)
	if err == nil {
		if isSuccess(resp.Status) && isJSON(resp) {
			p.store(r.Context(), key, resp)
		}
		p.opts.Metrics.EdgeRequest(string(StrategyCacheableAPI), sourceNetwork)
		writeResponse(w, resp, resp.Header)
		return
	}

	cached, ok := p.cache.Get(r.Context(), key)
	if !ok {
		p.opts.Metrics.EdgeRequest(string(StrategyCacheableAPI), sourceOffline)
		writeOfflineJSON(w)
		return
	}
	if p.opts.DebugMode {
		p.logger.Debug("serveCacheableAPI: origin unreachable, serving cached copy", "path", r.URL.Path, "error", err)
	}
	p.opts.Metrics.EdgeRequest(string(StrategyCacheableAPI), sourceCache)
	writeResponse(w, markOffline(cached), nil)
}

// serveAPI is network-only.
func (p *Proxy) serveAPI(w http.ResponseWriter, r *http.Request) {
	resp, err := p.fetch(r.Context(), r)
	if err != nil {
		p.opts.Metrics.EdgeRequest(string(StrategyAPI), sourceOffline)
		writeOfflineJSON(w)
		return
	}
	p.opts.Metrics.EdgeRequest(string(StrategyAPI), sourceNetwork)
	writeResponse(w, resp, resp.Header)
}

// serveNavigation tries the network, then the cached page, then the
// offline page.
func (p *Proxy) serveNavigation(w http.ResponseWriter, r *http.Request) {
	key := p.key(bucketPages, r)
	resp, err := p.fetch(r.Context(), r)
	if err == nil {
		if isSuccess(resp.Status) {
			p.store(r.Context(), key, resp)
		}
		p.opts.Metrics.EdgeRequest(string(StrategyNavigation), sourceNetwork)
		writeResponse(w, resp, resp.Header)
		return
	}

	if cached, ok := p.cache.Get(r.Context(), key); ok {
		p.opts.Metrics.EdgeRequest(string(StrategyNavigation), sourceCache)
		writeResponse(w, cached, cached.Header)
		return
	}

	p.opts.Metrics.EdgeRequest(string(StrategyNavigation), sourceOffline)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(HeaderOffline, "true")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(p.opts.OfflinePage)
}

// refresh updates a cached static asset in the background. Only one refresh
// per key runs at a time; Close waits for them.
func (p *Proxy) refresh(key string, r *http.Request) {
	if _, busy := p.refreshing.LoadOrStore(key, struct{}{}); busy {
		return
	}
	out := r.Clone(p.ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.refreshing.Delete(key)

		resp, err := p.fetch(p.ctx, out)
		if err != nil {
			if p.opts.DebugMode {
				p.logger.Debug("refresh: origin unreachable", "key", key, "error", err)
			}
			return
		}
		if isSuccess(resp.Status) {
			p.store(p.ctx, key, resp)
		}
	}()
}

// fetch sends r to the origin and reads the whole answer. Only transport
// failures are returned as errors.
func (p *Proxy) fetch(ctx context.Context, r *http.Request) (*CachedResponse, error) {
	target := *p.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header[k] = append([]string(nil), vs...)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: p.clock.Now().UTC(),
	}, nil
}

// store saves a copy of resp tagged with the time it was stored.
func (p *Proxy) store(ctx context.Context, key string, resp *CachedResponse) {
	stored := *resp
	stored.Header = resp.Header.Clone()
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.Header.Set(HeaderCachedAt, stored.StoredAt.Format(time.RFC3339Nano))
	if err := p.cache.Set(ctx, key, &stored); err != nil && p.opts.DebugMode {
		p.logger.Debug("store: response not shared", "key", key, "error", err)
	}
}

func (p *Proxy) key(bucket string, r *http.Request) string {
	return p.namespace(p.Version()) + bucket + ":" + r.URL.RequestURI()
}

func (p *Proxy) namespace(version string) string {
	return version + ":"
}

func (p *Proxy) passthroughError(w http.ResponseWriter, r *http.Request, err error) {
	if p.opts.DebugMode {
		p.logger.Debug("passthrough: origin unreachable", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeOfflineJSON(w)
}

// markOffline returns a copy of a cached API answer carrying the offline
// marker: merged into JSON object bodies, and as headers for every body.
func markOffline(cached *CachedResponse) *CachedResponse {
	out := *cached
	out.Header = cached.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	cachedAt := cached.StoredAt.UTC().Format(time.RFC3339Nano)
	out.Header.Set(HeaderOffline, "true")
	out.Header.Set(HeaderCachedAt, cachedAt)

	var obj map[string]json.RawMessage
	if json.Unmarshal(cached.Body, &obj) != nil || obj == nil {
		return &out
	}
	obj[types.FieldOffline] = json.RawMessage(`true`)
	at, _ := json.Marshal(cachedAt)
	obj[types.FieldCachedAt] = at
	if body, err := json.Marshal(obj); err == nil {
		out.Body = body
	}
	return &out
}

func writeResponse(w http.ResponseWriter, resp *CachedResponse, header http.Header) {
	if header == nil {
		header = resp.Header
	}
	for k, vs := range header {
		if hopHeaders[k] || k == "Content-Length" {
			continue
		}
		w.Header()[k] = append([]string(nil), vs...)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.Copy(w, bytes.NewReader(resp.Body))
}

func writeOfflineJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderOffline, "true")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   "Network unavailable",
		"offline": true,
	})
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isJSON(resp *CachedResponse) bool {
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return true
	}
	return json.Valid(resp.Body)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}
