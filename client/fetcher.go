package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/metrics"
	"github.com/huykn/offline-sync/types"
)

const tracerName = "github.com/huykn/offline-sync/client"

// Fetch sources reported to metrics.
const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceEdge    = "edge"
	sourceEmpty   = "empty"
)

// FetchOptions controls one Fetch call.
type FetchOptions struct {
	// CacheKey names the CachedEntry read and written by the call. Empty
	// disables caching.
	CacheKey string

	// CacheType groups the entry for patches and invalidation.
	CacheType types.EntityType

	// CacheTTL is the freshness window of the stored entry. Zero never expires.
	CacheTTL time.Duration

	// StaleWhileRevalidate returns a cached entry at once and refreshes it
	// in the background.
	StaleWhileRevalidate bool

	// OfflineOnly skips the network and answers from the cache alone.
	OfflineOnly bool
}

// FetchResult is what a Fetch resolved to.
type FetchResult struct {
	// Data is the response body. It is nil for an offline-only miss.
	Data json.RawMessage

	// IsOffline is set when the data did not come from a live server answer.
	IsOffline bool

	// IsCached is set when the data came from the local cache or the edge cache.
	IsCached bool

	// CachedAt is when the served copy was stored.
	CachedAt *time.Time

	// Stale is set when the served cache entry is past its ExpiresAt.
	Stale bool

	// Revalidation tracks the background refresh of a stale-while-revalidate
	// hit. It is nil otherwise.
	Revalidation *Revalidation
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// BaseURL is prepended to relative request URLs.
	BaseURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	Logger    cache.Logger
	DebugMode bool
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
}

// Fetcher reads from the server through the offline cache.
type Fetcher struct {
	accessor *cache.Accessor
	opts     FetcherOptions
	group    singleflight.Group
}

// NewFetcher creates a fetcher writing through accessor.
func NewFetcher(accessor *cache.Accessor, opts FetcherOptions) *Fetcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Fetcher{accessor: accessor, opts: opts}
}

// Fetch resolves url following opts. It fails only when the server
// rejects the request, or when it is unreachable and nothing is cached.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	ctx, span := f.opts.Tracer.Start(ctx, "Fetch", trace.WithAttributes(
		attribute.String("url", url),
		attribute.String("cache.key", opts.CacheKey),
	))
	defer span.End()

	var cached *types.CachedEntry
	if opts.CacheKey != "" {
		cached, _ = f.accessor.GetCachedData(ctx, opts.CacheKey)
	}

	if opts.OfflineOnly {
		if cached == nil {
			f.opts.Metrics.Fetch(sourceEmpty)
			return &FetchResult{IsOffline: true}, nil
		}
		f.opts.Metrics.Fetch(sourceCache)
		return f.fromCache(cached, true), nil
	}

	if opts.StaleWhileRevalidate && cached != nil {
		f.opts.Metrics.Fetch(sourceCache)
		res := f.fromCache(cached, false)
		res.Revalidation = startRevalidation(ctx, func(ctx context.Context) (*FetchResult, error) {
			return f.network(ctx, url, opts)
		})
		return res, nil
	}

	res, err := f.network(ctx, url, opts)
	if err == nil {
		return res, nil
	}
	if !IsConnectivityError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if f.opts.DebugMode {
		f.opts.Logger.Debug("Fetch: network unavailable, falling back to cache", "url", url, "error", err)
	}
	if cached == nil {
		f.opts.Metrics.Fetch(sourceEmpty)
		return nil, fmt.Errorf("%w: %s: %w", ErrOfflineNoCache, url, err)
	}
	f.opts.Metrics.Fetch(sourceCache)
	return f.fromCache(cached, true), nil
}

// network performs the GET, collapsing identical in-flight requests. The
// shared request outlives any single caller's cancellation; each caller
// stops waiting when its own ctx is done.
func (f *Fetcher) network(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	full := ResolveURL(f.opts.BaseURL, url)
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(opts.CacheKey+"\x00"+full, func() (any, error) {
		return f.get(shared, full, opts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *(r.Val.(*FetchResult))
		return &res, nil
	}
}

func (f *Fetcher) get(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	resp, err := Do(ctx, f.opts.HTTPClient, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) > 0 && !json.Valid(resp.Body) {
		return nil, fmt.Errorf("%w: GET %s", ErrInvalidResponse, url)
	}

	if offline, cachedAt := edgeMarker(resp.Header, resp.Body); offline {
		f.opts.Metrics.Fetch(sourceEdge)
		return &FetchResult{
			Data:      resp.Body,
			IsOffline: true,
			IsCached:  true,
			CachedAt:  cachedAt,
		}, nil
	}

	f.opts.Metrics.Fetch(sourceNetwork)
	if opts.CacheKey != "" && len(resp.Body) > 0 {
		f.accessor.CacheData(ctx, opts.CacheKey, opts.CacheType, json.RawMessage(resp.Body), opts.CacheTTL)
	}
	return &FetchResult{Data: resp.Body}, nil
}

func (f *Fetcher) fromCache(entry *types.CachedEntry, offline bool) *FetchResult {
	cachedAt := entry.UpdatedAt
	return &FetchResult{
		Data:      entry.Payload,
		IsOffline: offline,
		IsCached:  true,
		CachedAt:  &cachedAt,
		Stale:     entry.Expired(f.accessor.Now()),
	}
}

// FetchAs fetches url and decodes the body into T.
func FetchAs[T any](ctx context.Context, f *Fetcher, url string, opts FetchOptions) (T, *FetchResult, error) {
	var v T
	res, err := f.Fetch(ctx, url, opts)
	if err != nil {
		return v, nil, err
	}
	if len(res.Data) == 0 {
		return v, res, nil
	}
	if err := json.Unmarshal(res.Data, &v); err != nil {
		return v, res, errors.Join(ErrInvalidResponse, err)
	}
	return v, res, nil
}
