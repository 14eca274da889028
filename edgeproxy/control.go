package edgeproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/huykn/offline-sync/storage"
	offsync "github.com/huykn/offline-sync/sync"
	"github.com/huykn/offline-sync/types"
)

// versionKey holds the active cache version in the shared store.
const versionKey = "meta:version"

var buckets = []string{bucketStatic, bucketAPI, bucketPages}

// Start resolves the active cache version, precaches the configured paths
// and begins answering control messages.
//
// With a shared store, a version other than the stored one is installed
// alongside it and stays pending until SKIP_WAITING.
func (p *Proxy) Start(ctx context.Context) error {
	if err := p.resolveVersion(ctx); err != nil {
		return err
	}
	p.precache(ctx)

	if p.opts.Bus != nil {
		unsubscribe, err := p.opts.Bus.Subscribe(ctx, offsync.TopicControl, p.handleControl)
		if err != nil {
			return fmt.Errorf("subscribe to control messages: %w", err)
		}
		p.unsubscribe = unsubscribe
	}

	p.logger.Info("edge proxy started", "origin", p.opts.Origin, "version", p.Version(), "pending", p.Pending())
	return nil
}

// Close stops control handling and waits for background refreshes. The
// shared store and the bus belong to the caller.
func (p *Proxy) Close() error {
	p.cancel()
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.wg.Wait()
	return p.cache.Close()
}

// Version returns the cache version requests are served from.
func (p *Proxy) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Pending returns the installed version waiting for activation, if any.
func (p *Proxy) Pending() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending
}

func (p *Proxy) resolveVersion(ctx context.Context) error {
	store := p.opts.Redis
	if store == nil {
		return nil
	}
	data, err := store.Get(ctx, versionKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return store.Set(ctx, versionKey, []byte(p.opts.CacheVersion))
	case err != nil:
		return fmt.Errorf("read cache version: %w", err)
	}

	current := string(data)
	if current == p.opts.CacheVersion {
		return nil
	}
	p.mu.Lock()
	p.active = current
	p.pending = p.opts.CacheVersion
	p.mu.Unlock()
	return nil
}

// precache stores the configured paths under the installing version.
// Paths the origin cannot serve are skipped.
func (p *Proxy) precache(ctx context.Context) {
	version := p.Pending()
	if version == "" {
		version = p.Version()
	}

	for _, target := range p.opts.Precache {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			p.logger.Warn("precache: invalid path", "path", target, "error", err)
			continue
		}
		r.Header.Set("Accept", "text/html")

		bucket := bucketPages
		switch p.Classify(r) {
		case StrategyStatic:
			bucket = bucketStatic
		case StrategyCacheableAPI:
			bucket = bucketAPI
			r.Header.Set("Accept", "application/json")
		}

		resp, err := p.fetch(ctx, r)
		if err != nil || !isSuccess(resp.Status) {
			p.logger.Warn("precache: skipped", "path", target, "error", err)
			continue
		}
		p.store(ctx, p.namespace(version)+bucket+":"+r.URL.RequestURI(), resp)
	}
}

// SkipWaiting activates the pending version and drops the previous one.
func (p *Proxy) SkipWaiting(ctx context.Context) error {
	p.mu.Lock()
	if p.pending == "" {
		p.mu.Unlock()
		return nil
	}
	old := p.active
	p.active = p.pending
	p.pending = ""
	active := p.active
	p.mu.Unlock()

	if p.opts.Redis != nil {
		if err := p.opts.Redis.Set(ctx, versionKey, []byte(active)); err != nil {
			return fmt.Errorf("write cache version: %w", err)
		}
	}
	p.logger.Info("cache version activated", "version", active, "previous", old)
	return p.cache.ClearPrefix(ctx, p.namespace(old))
}

// ClearCache drops every stored response of the active and pending versions.
func (p *Proxy) ClearCache(ctx context.Context) error {
	p.mu.RLock()
	versions := []string{p.active}
	if p.pending != "" {
		versions = append(versions, p.pending)
	}
	p.mu.RUnlock()

	for _, v := range versions {
		if err := p.cache.ClearPrefix(ctx, p.namespace(v)); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the active version and what it holds.
func (p *Proxy) Status(ctx context.Context) types.CacheStatus {
	p.mu.RLock()
	status := types.CacheStatus{
		Version:  p.active,
		Active:   p.pending == "",
		Entries:  make(map[string]int, len(buckets)),
		Requests: p.requests,
	}
	p.mu.RUnlock()

	for _, bucket := range buckets {
		n, size := p.cache.Count(ctx, p.namespace(status.Version)+bucket+":")
		status.Entries[bucket] = n
		status.Bytes += size
	}
	return status
}

func (p *Proxy) handleControl(msg types.Message) {
	ctx := p.ctx
	if p.opts.DebugMode {
		p.logger.Debug("handleControl: received", "type", msg.Type, "sender", msg.Sender)
	}

	var reply any
	switch msg.Type {
	case types.SkipWaiting:
		reply = ack(p.SkipWaiting(ctx))
	case types.ClearCache:
		reply = ack(p.ClearCache(ctx))
	case types.GetCacheStatus:
		reply = p.Status(ctx)
	case types.ForceSync:
		req, _ := types.NewMessage(types.SyncRequested, nil)
		reply = ack(p.opts.Bus.Publish(ctx, offsync.TopicEvents, req))
	default:
		return
	}

	if err := offsync.Reply(ctx, p.opts.Bus, msg, reply); err != nil {
		p.logger.Warn("handleControl: reply failed", "type", msg.Type, "error", err)
	}
}

func ack(err error) types.AckPayload {
	if err != nil {
		return types.AckPayload{Error: err.Error()}
	}
	return types.AckPayload{Success: true}
}
