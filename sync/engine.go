package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/client"
	"github.com/huykn/offline-sync/metrics"
	"github.com/huykn/offline-sync/queue"
	"github.com/huykn/offline-sync/types"
)

const tracerName = "github.com/huykn/offline-sync/sync"

// State is the drain state of an Engine.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Connectivity is the part of the network monitor the engine uses.
// *netmon.Monitor satisfies it.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(fn func())
}

// Notification reports the final outcome of one queued mutation.
type Notification struct {
	ID         string
	Success    bool
	Conflict   bool
	EntityType types.EntityType
	EntityID   string

	// Data is the server body on success, or the 409 body on conflict.
	Data json.RawMessage

	// Local is the rejected request body on conflict.
	Local json.RawMessage
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Attempted int
	Synced    int
	Conflicts int
	Retried   int

	// Deferred counts items not replayed because an earlier item for the
	// same entity failed in this drain.
	Deferred int

	// Skipped is set when another drain was already running.
	Skipped bool
}

// Options configures an Engine.
type Options struct {
	// BaseURL is prepended to relative queued URLs.
	BaseURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Interval between periodic drains while online. Defaults to 30s.
	Interval time.Duration

	// Monitor triggers a drain on reconnect and gates the periodic drain.
	Monitor Connectivity

	// Bus, when set, receives MUTATION_SYNCED and MUTATION_CONFLICT and
	// delivers SYNC_REQUESTED.
	Bus Bus

	Logger    cache.Logger
	DebugMode bool
	Clock     clock.Clock
	Metrics   *metrics.Collector
	Tracer    trace.Tracer

	// OnError is called when the engine fails to update the queue.
	OnError func(error)
}

// Engine replays the mutation queue, one item at a time, oldest first.
type Engine struct {
	queue    *queue.Queue
	accessor *cache.Accessor
	opts     Options

	state atomic.Int32
	kick  chan struct{}

	mu        sync.RWMutex
	listeners []func(Notification)

	lifecycle   sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewEngine creates an engine. Call Start to enable automatic drains.
func NewEngine(q *queue.Queue, accessor *cache.Accessor, opts Options) *Engine {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		queue:    q,
		accessor: accessor,
		opts:     opts,
		kick:     make(chan struct{}, 1),
	}
}

// State reports whether a drain is running.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// OnNotify registers fn for every synced or conflicting mutation.
func (e *Engine) OnNotify(fn func(Notification)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// ForceSync drains now and waits for the result.
func (e *Engine) ForceSync(ctx context.Context) (DrainResult, error) {
	return e.Drain(ctx)
}

// RequestSync asks the background loop started by Start to drain soon.
func (e *Engine) RequestSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Drain replays every queued mutation once. A call made while another
// drain is running returns at once with Skipped set.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(Draining)) {
		return DrainResult{Skipped: true}, nil
	}
	defer e.state.Store(int32(Idle))

	ctx, span := e.opts.Tracer.Start(ctx, "Drain")
	defer span.End()
	start := e.opts.Clock.Now()

	var res DrainResult
	items, err := e.queue.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	blocked := make(map[string]bool)
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		key := entityKey(item)
		if key != "" && blocked[key] {
			res.Deferred++
			e.opts.Metrics.Replay(metrics.ResultDeferred)
			continue
		}

		res.Attempted++
		resp, err := client.Do(ctx, e.opts.HTTPClient, client.Request{
			Method: item.Method,
			URL:    client.ResolveURL(e.opts.BaseURL, item.URL),
			Body:   item.Body,
			Header: http.Header{client.IdempotencyKeyHeader: []string{item.ID}},
		})

		switch {
		case err == nil:
			res.Synced++
			e.synced(ctx, item, resp.Body, items[i+1:])
		case client.IsConflict(err):
			res.Conflicts++
			e.conflicted(ctx, item, err)
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// Interrupted by the caller, not a failed attempt.
			res.Attempted--
		default:
			res.Retried++
			if key != "" {
				blocked[key] = true
			}
			e.retry(ctx, item, err)
		}
	}

	depth, err := e.queue.Count(ctx)
	if err == nil {
		e.opts.Metrics.QueueDepth(depth)
	}
	e.opts.Metrics.DrainDuration(e.opts.Clock.Now().Sub(start).Seconds())

	span.SetAttributes(
		attribute.Int("drain.attempted", res.Attempted),
		attribute.Int("drain.synced", res.Synced),
		attribute.Int("drain.conflicts", res.Conflicts),
		attribute.Int("drain.retried", res.Retried),
	)
	if res.Attempted > 0 {
		e.opts.Logger.Info("drain finished",
			"attempted", res.Attempted, "synced", res.Synced,
			"conflicts", res.Conflicts, "retried", res.Retried, "deferred", res.Deferred)
	}
	return res, nil
}

func (e *Engine) synced(ctx context.Context, item *types.QueuedMutation, body []byte, later []*types.QueuedMutation) {
	e.opts.Metrics.Replay(metrics.ResultSynced)
	if err := e.queue.Remove(ctx, item.ID); err != nil {
		e.fail("remove synced mutation", err, "id", item.ID)
	}

	record := decodeRecord(body)
	newID := ""
	if strategy, ok := cache.StrategyFor(item.EntityType); ok && record != nil {
		newID = cache.IDString(record[strategy.IDField])
	}
	if item.Kind == types.KindCreate && item.TempID != "" && newID != "" && newID != item.TempID {
		e.rewriteTempID(ctx, item.TempID, newID, later)
	}
	e.reconcile(ctx, item, record, newID, later)

	if e.opts.DebugMode {
		e.opts.Logger.Debug("Drain: mutation synced", "id", item.ID, "method", item.Method, "url", item.URL)
	}
	e.notify(ctx, Notification{
		ID:         item.ID,
		Success:    true,
		EntityType: item.EntityType,
		EntityID:   firstNonEmpty(newID, item.TargetID()),
		Data:       body,
	})
}

// reconcile swaps the optimistic cache record for the server's copy. While
// later writes to the same entity are still queued, only the id is fixed
// up so their optimistic state stays visible.
func (e *Engine) reconcile(ctx context.Context, item *types.QueuedMutation, record map[string]any, newID string, later []*types.QueuedMutation) {
	if item.EntityType == "" || item.Kind == types.KindDelete {
		return
	}
	localID := item.TargetID()
	if localID == "" {
		return
	}
	strategy, ok := cache.StrategyFor(item.EntityType)
	if !ok {
		return
	}

	laterID := localID
	if newID != "" {
		laterID = newID
	}
	if record != nil && newID != "" && !pendingFor(later, item.EntityType, localID, laterID) {
		e.accessor.ReplaceCachedEntity(ctx, item.EntityType, localID, record)
		return
	}
	e.accessor.UpdateCachedEntity(ctx, item.EntityType, localID, func(rec map[string]any) map[string]any {
		if newID != "" {
			rec[strategy.IDField] = newID
		}
		if !pendingFor(later, item.EntityType, localID, laterID) {
			delete(rec, types.FieldQueued)
			delete(rec, types.FieldQueuedID)
		}
		return rec
	})
}

// rewriteTempID points later queued writes at the id the server assigned.
func (e *Engine) rewriteTempID(ctx context.Context, tempID, newID string, later []*types.QueuedMutation) {
	for _, m := range later {
		if m.EntityID != tempID && !strings.Contains(m.URL, tempID) {
			continue
		}
		m.URL = strings.ReplaceAll(m.URL, tempID, newID)
		if m.EntityID == tempID {
			m.EntityID = newID
		}
		if err := e.queue.Update(ctx, m); err != nil {
			e.fail("rewrite provisional id", err, "id", m.ID)
		}
	}
}

func (e *Engine) conflicted(ctx context.Context, item *types.QueuedMutation, err error) {
	e.opts.Metrics.Replay(metrics.ResultConflict)
	if rmErr := e.queue.Remove(ctx, item.ID); rmErr != nil {
		e.fail("remove conflicting mutation", rmErr, "id", item.ID)
	}

	var serverState json.RawMessage
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) && json.Valid(httpErr.Body) {
		serverState = httpErr.Body
	}

	e.opts.Logger.Warn("Drain: mutation rejected as conflicting", "id", item.ID, "url", item.URL)
	e.notify(ctx, Notification{
		ID:         item.ID,
		Conflict:   true,
		EntityType: item.EntityType,
		EntityID:   item.TargetID(),
		Data:       serverState,
		Local:      item.Body,
	})
}

func (e *Engine) retry(ctx context.Context, item *types.QueuedMutation, cause error) {
	e.opts.Metrics.Replay(metrics.ResultRetried)
	if _, err := e.queue.IncrementRetry(ctx, item.ID, cause); err != nil {
		e.fail("record retry", err, "id", item.ID)
	}
	if e.opts.DebugMode {
		e.opts.Logger.Debug("Drain: mutation will be retried", "id", item.ID, "retryCount", item.RetryCount+1, "error", cause)
	}
}

func (e *Engine) notify(ctx context.Context, n Notification) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(n)
	}

	if e.opts.Bus == nil {
		return
	}
	var (
		msg types.Message
		err error
	)
	if n.Conflict {
		msg, err = types.NewMessage(types.MutationConflict, types.ConflictPayload{
			ID:          n.ID,
			EntityType:  n.EntityType,
			EntityID:    n.EntityID,
			Local:       n.Local,
			ServerState: n.Data,
		})
	} else {
		msg, err = types.NewMessage(types.MutationSynced, types.SyncedPayload{ID: n.ID, Success: true})
	}
	if err == nil {
		err = e.opts.Bus.Publish(ctx, TopicEvents, msg)
	}
	if err != nil {
		e.opts.Logger.Warn("Drain: publish notification failed", "id", n.ID, "error", err)
	}
}

// Start runs the background drain loop until ctx is done or Close is called.
// It drains once right away when online, on every reconnect, on
// SYNC_REQUESTED, and every Interval while online with a non-empty queue.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	if e.opts.Bus != nil {
		unsubscribe, err := e.opts.Bus.Subscribe(ctx, TopicEvents, func(msg types.Message) {
			if msg.Type == types.SyncRequested || msg.Type == types.ForceSync {
				e.RequestSync()
			}
		})
		if err != nil {
			cancel()
			return err
		}
		e.unsubscribe = unsubscribe
	}
	if e.opts.Monitor != nil {
		e.opts.Monitor.OnReconnect(e.RequestSync)
	}

	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(ctx)
	if e.online() {
		e.RequestSync()
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			e.drainInBackground(ctx)
		case <-e.opts.Clock.After(e.opts.Interval):
			if !e.online() {
				continue
			}
			if n, err := e.queue.Count(ctx); err != nil || n == 0 {
				continue
			}
			e.drainInBackground(ctx)
		}
	}
}

func (e *Engine) drainInBackground(ctx context.Context) {
	if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
		e.fail("background drain", err)
	}
}

func (e *Engine) online() bool {
	return e.opts.Monitor == nil || e.opts.Monitor.IsOnline()
}

// Close stops the background loop and waits for a running drain to return.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.cancel = nil
	return nil
}

func (e *Engine) fail(msg string, err error, args ...any) {
	e.opts.Logger.Error("Drain: "+msg, append(args, "error", err)...)
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

func entityKey(m *types.QueuedMutation) string {
	id := m.TargetID()
	if id == "" {
		return ""
	}
	return string(m.EntityType) + "\x00" + id
}

// pendingFor reports whether a later queued write targets the entity under
// either of its ids.
func pendingFor(later []*types.QueuedMutation, entityType types.EntityType, ids ...string) bool {
	for _, m := range later {
		if m.EntityType != entityType {
			continue
		}
		for _, id := range ids {
			if id != "" && m.TargetID() == id {
				return true
			}
		}
	}
	return false
}

func decodeRecord(body []byte) map[string]any {
	var rec map[string]any
	if json.Unmarshal(body, &rec) != nil {
		return nil
	}
	return rec
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
