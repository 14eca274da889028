// Package client implements the fetch and mutation orchestrators the
// application calls instead of talking to the REST server directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huykn/offline-sync/types"
)

// ErrServerOffline is returned for a 503 whose body carries offline:true.
var ErrServerOffline = errors.New("server reported offline")

// ErrOfflineNoCache is returned by Fetch when the network is unreachable
// and nothing is cached for the request.
var ErrOfflineNoCache = errors.New("offline and no cached data")

// ErrInvalidResponse is returned when a 2xx body is not JSON.
var ErrInvalidResponse = errors.New("response is not JSON")

// IdempotencyKeyHeader carries the queued mutation id on replay.
const IdempotencyKeyHeader = "Idempotency-Key"

// Headers set by the edge proxy on responses served from its cache.
const (
	HeaderOffline  = "X-Offline"
	HeaderCachedAt = "X-Cached-At"
)

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Conflict reports whether the server refused the write as conflicting.
func (e *HTTPError) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Conflict()
}

// IsConnectivityError reports whether err means the server could not be
// reached, as opposed to the server rejecting the request. Caller
// cancellation is not a connectivity failure.
func IsConnectivityError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrServerOffline) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Request is one JSON call against the server.
type Request struct {
	Method string
	URL    string
	Body   json.RawMessage
	Header http.Header
}

// Response is a 2xx answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req with hc. Transport failures are returned as is, a 503 with
// the offline flag as ErrServerOffline, and any other non-2xx as *HTTPError.
func Do(ctx context.Context, hc *http.Client, req Request) (*Response, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable && offlineFlag(data) {
		return nil, fmt.Errorf("%w: %s %s", ErrServerOffline, req.Method, req.URL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode, Body: data}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// ResolveURL joins a relative path onto base. Absolute URLs are returned
// unchanged.
func ResolveURL(base, ref string) string {
	if base == "" || strings.Contains(ref, "://") {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}

func offlineFlag(body []byte) bool {
	var v struct {
		Offline bool `json:"offline"`
	}
	return json.Unmarshal(body, &v) == nil && v.Offline
}

// edgeMarker reports whether a response was served from the edge cache
// while offline, and when that copy was stored.
func edgeMarker(header http.Header, body []byte) (bool, *time.Time) {
	if strings.EqualFold(header.Get(HeaderOffline), "true") {
		return true, parseCachedAt(header.Get(HeaderCachedAt))
	}
	var v map[string]any
	if json.Unmarshal(body, &v) != nil {
		return false, nil
	}
	if offline, _ := v[types.FieldOffline].(bool); !offline {
		return false, nil
	}
	cachedAt := parseCachedAt(v[types.FieldCachedAt])
	if cachedAt == nil {
		cachedAt = parseCachedAt(header.Get(HeaderCachedAt))
	}
	return true, cachedAt
}

// parseCachedAt accepts an RFC 3339 string or milliseconds since the epoch.
func parseCachedAt(v any) *time.Time {
	var t time.Time
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil
		}
		t = parsed
	case float64:
		t = time.UnixMilli(int64(x)).UTC()
	default:
		return nil
	}
	return &t
}
