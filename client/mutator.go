package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/queue"
	"github.com/huykn/offline-sync/types"
)

// ErrNoURL is returned by Mutate when neither URL nor URLFor is set.
var ErrNoURL = errors.New("mutation has no url")

// Connectivity reports whether the server is believed reachable.
// *netmon.Monitor satisfies it.
type Connectivity interface {
	IsOnline() bool
}

// Mutation is one write against the server.
type Mutation struct {
	// URL is the target. URLFor, when set, derives it from Data instead.
	URL    string
	URLFor func(data any) string

	Method string
	Data   any
}

// MutateOptions controls offline handling of a Mutation.
type MutateOptions struct {
	// OfflineSupport queues the write when the server is unreachable.
	OfflineSupport bool

	// EntityType selects the cached views patched optimistically.
	EntityType types.EntityType

	// GetEntityID extracts the target id from Data. Defaults to the id
	// field of the entity's patch strategy.
	GetEntityID func(data any) string

	// OptimisticUpdate shapes the provisional record from Data. Defaults
	// to Data itself.
	OptimisticUpdate func(data any) map[string]any

	// Invalidates lists entity types whose cached views are dropped after
	// the server accepts the write.
	Invalidates []types.EntityType
}

// MutationResult is what a Mutate resolved to.
type MutationResult struct {
	// Data is the server body, or the provisional record when queued.
	Data json.RawMessage

	// Queued is set when the write was stored for later replay.
	Queued   bool
	QueuedID string

	// TempID is the provisional id given to a queued create.
	TempID string
}

// MutatorOptions configures a Mutator.
type MutatorOptions struct {
	// BaseURL is prepended to relative request URLs.
	BaseURL string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Monitor, when set, makes any 5xx count as a connectivity failure
	// while it reports offline.
	Monitor Connectivity

	Logger    cache.Logger
	DebugMode bool
}

type pendingWrite struct {
	entityType types.EntityType
	id         string
}

// Mutator sends writes to the server and queues them when it cannot be
// reached, patching the cache so the change is visible at once.
type Mutator struct {
	accessor *cache.Accessor
	queue    *queue.Queue
	opts     MutatorOptions

	mu      sync.Mutex
	pending map[string]pendingWrite
}

// NewMutator creates a mutator.
func NewMutator(accessor *cache.Accessor, q *queue.Queue, opts MutatorOptions) *Mutator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	return &Mutator{
		accessor: accessor,
		queue:    q,
		opts:     opts,
		pending:  make(map[string]pendingWrite),
	}
}

// Mutate sends m. Validation and other server rejections are returned as
// *HTTPError and never queued.
func (mt *Mutator) Mutate(ctx context.Context, m Mutation, opts MutateOptions) (*MutationResult, error) {
	target := m.URL
	if m.URLFor != nil {
		target = m.URLFor(m.Data)
	}
	if target == "" {
		return nil, ErrNoURL
	}
	method := strings.ToUpper(m.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body json.RawMessage
	if method != http.MethodDelete && m.Data != nil {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("encode mutation body: %w", err)
		}
		body = data
	}

	resp, err := Do(ctx, mt.opts.HTTPClient, Request{Method: method, URL: ResolveURL(mt.opts.BaseURL, target), Body: body})
	if err == nil {
		mt.settled(ctx, opts, m.Data)
		return &MutationResult{Data: resp.Body}, nil
	}

	if !opts.OfflineSupport || !mt.connectivityFailure(err) {
		return nil, err
	}
	if mt.opts.DebugMode {
		mt.opts.Logger.Debug("Mutate: server unreachable, queueing", "method", method, "url", target, "error", err)
	}
	return mt.enqueue(ctx, target, method, body, m.Data, opts)
}

func (mt *Mutator) connectivityFailure(err error) bool {
	if IsConnectivityError(err) {
		return true
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode < http.StatusInternalServerError {
		return false
	}
	return mt.opts.Monitor != nil && !mt.opts.Monitor.IsOnline()
}

func (mt *Mutator) enqueue(ctx context.Context, target, method string, body json.RawMessage, data any, opts MutateOptions) (*MutationResult, error) {
	kind := types.KindForMethod(method)
	strategy, hasStrategy := cache.StrategyFor(opts.EntityType)
	idField := "id"
	if hasStrategy {
		idField = strategy.IDField
	}

	record, err := mt.provisional(data, opts)
	if err != nil {
		return nil, err
	}

	entityID := ""
	if opts.GetEntityID != nil {
		entityID = opts.GetEntityID(data)
	} else if kind != types.KindCreate {
		entityID = cache.IDString(record[idField])
	}

	tempID := ""
	if kind == types.KindCreate && entityID == "" {
		tempID = cache.IDString(record[idField])
		if !strings.HasPrefix(tempID, types.TempIDPrefix) {
			tempID = types.TempIDPrefix + uuid.NewString()
		}
		record[idField] = tempID
	}

	queued, err := mt.queue.Enqueue(ctx, types.QueuedMutation{
		URL:        target,
		Method:     method,
		Body:       body,
		Kind:       kind,
		EntityType: opts.EntityType,
		EntityID:   entityID,
		TempID:     tempID,
	})
	if err != nil {
		return nil, fmt.Errorf("queue mutation: %w", err)
	}

	record[types.FieldQueued] = true
	record[types.FieldQueuedID] = queued.ID

	// Updates and deletes without an id have no cached record to patch.
	if hasStrategy && (kind == types.KindCreate || entityID != "") {
		switch kind {
		case types.KindCreate:
			mt.accessor.AddCachedEntity(ctx, opts.EntityType, record)
		case types.KindUpdate:
			mt.accessor.UpdateCachedEntity(ctx, opts.EntityType, entityID, func(old map[string]any) map[string]any {
				for k, v := range record {
					old[k] = v
				}
				return old
			})
		case types.KindDelete:
			mt.accessor.RemoveCachedEntity(ctx, opts.EntityType, entityID)
		}
	}

	mt.mu.Lock()
	mt.pending[queued.ID] = pendingWrite{entityType: opts.EntityType, id: queued.TargetID()}
	mt.mu.Unlock()

	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode provisional record: %w", err)
	}
	return &MutationResult{Data: out, Queued: true, QueuedID: queued.ID, TempID: tempID}, nil
}

// provisional builds the record shown until the server confirms the write.
func (mt *Mutator) provisional(data any, opts MutateOptions) (map[string]any, error) {
	if opts.OptimisticUpdate != nil {
		if rec := opts.OptimisticUpdate(data); rec != nil {
			return rec, nil
		}
		return map[string]any{}, nil
	}
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode mutation body: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		return map[string]any{}, nil
	}
	return rec, nil
}

// settled clears bookkeeping for an entity the server just accepted a
// write for and drops the views it invalidates.
func (mt *Mutator) settled(ctx context.Context, opts MutateOptions, data any) {
	if opts.EntityType != "" {
		id := ""
		if opts.GetEntityID != nil {
			id = opts.GetEntityID(data)
		} else if strategy, ok := cache.StrategyFor(opts.EntityType); ok {
			if rec, err := mt.provisional(data, MutateOptions{}); err == nil {
				id = cache.IDString(rec[strategy.IDField])
			}
		}
		if id != "" {
			mt.mu.Lock()
			for qid, p := range mt.pending {
				if p.entityType == opts.EntityType && p.id == id {
					delete(mt.pending, qid)
				}
			}
			mt.mu.Unlock()
		}
	}
	for _, t := range opts.Invalidates {
		mt.accessor.Invalidate(ctx, t)
	}
}

// IsPending reports whether a queued write for the entity awaits replay.
func (mt *Mutator) IsPending(entityType types.EntityType, id string) bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, p := range mt.pending {
		if p.entityType == entityType && p.id == id {
			return true
		}
	}
	return false
}

// ClearPending forgets a queued write once the sync engine has settled it.
func (mt *Mutator) ClearPending(queuedID string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	delete(mt.pending, queuedID)
}

// PendingCount returns the number of queued writes this mutator tracks.
func (mt *Mutator) PendingCount() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.pending)
}
