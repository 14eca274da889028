package edgeproxy

import (
	"errors"
	"net/http"
	"time"

	"github.com/juju/clock"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/metrics"
	"github.com/huykn/offline-sync/storage"
	offsync "github.com/huykn/offline-sync/sync"
)

// Options configures a Proxy.
type Options struct {
	// Origin is the base URL of the application server.
	Origin string

	// CacheVersion namespaces every stored response. A proxy started with a
	// new version while another version is active in the shared store waits
	// for SKIP_WAITING before switching.
	CacheVersion string

	// StaticExtensions and StaticPrefixes classify static assets.
	StaticExtensions []string
	StaticPrefixes   []string

	// APIPrefix marks API routes.
	APIPrefix string

	// CacheableAPI lists the API route prefixes served network-first with a
	// cache fallback. Other API routes are network-only.
	CacheableAPI []string

	// Precache lists paths stored when a cache version is installed.
	Precache []string

	// OfflinePage is served for navigations when neither the network nor
	// the cache can answer. Defaults to a built-in page.
	OfflinePage []byte

	// LocalCacheConfig sizes the in-process response tier.
	LocalCacheConfig cache.LocalCacheConfig

	// Redis is the optional shared response tier.
	Redis *storage.RedisStore

	// Transport reaches the origin. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Timeout bounds one upstream request. Defaults to 30s.
	Timeout time.Duration

	// Bus carries control messages in and SYNC_REQUESTED out.
	Bus offsync.Bus

	Logger    cache.Logger
	DebugMode bool
	Clock     clock.Clock
	Metrics   *metrics.Collector
	OnError   func(error)
}

// DefaultOptions returns options for an origin with the application's
// usual layout.
func DefaultOptions() Options {
	return Options{
		CacheVersion: "v1",
		StaticExtensions: []string{
			".js", ".css", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg",
			".webp", ".ico", ".woff", ".woff2", ".ttf", ".webmanifest",
		},
		StaticPrefixes: []string{"/static/", "/assets/", "/icons/"},
		APIPrefix:      "/api/",
		CacheableAPI: []string{
			"/api/farms", "/api/fields", "/api/crops", "/api/tasks",
			"/api/transactions", "/api/sales", "/api/users", "/api/phases",
			"/api/milestones", "/api/livestock", "/api/logistics",
			"/api/training", "/api/enrollments", "/api/dashboard",
		},
		Precache:         []string{"/", "/manifest.webmanifest"},
		LocalCacheConfig: cache.DefaultLocalCacheConfig(),
		Timeout:          30 * time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Origin == "" {
		return errors.New("edge proxy origin is required")
	}
	if o.CacheVersion == "" {
		return errors.New("edge proxy cache version is required")
	}
	if o.APIPrefix == "" {
		return errors.New("edge proxy api prefix is required")
	}
	return o.LocalCacheConfig.ValidateLFU()
}
