// Package sync replays queued mutations against the server and carries the
// runtime messages exchanged between the application and the edge proxy.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/huykn/offline-sync/types"
)

// Bus topics.
const (
	// TopicEvents carries MUTATION_SYNCED, MUTATION_CONFLICT and SYNC_REQUESTED.
	TopicEvents = "events"

	// TopicControl carries control messages into the edge proxy.
	TopicControl = "control"

	replyTopicPrefix = "reply."
)

// ErrBusClosed is returned when a closed bus is used.
var ErrBusClosed = errors.New("bus is closed")

// Bus delivers messages between processes. Publish stamps the bus id as
// Sender and a bus never delivers a message back to its own subscribers.
type Bus interface {
	// ID identifies this endpoint.
	ID() string

	// Publish sends msg on topic.
	Publish(ctx context.Context, topic string, msg types.Message) error

	// Subscribe calls handler for every message on topic until the returned
	// function is called or the bus is closed. The subscription is active
	// when Subscribe returns.
	Subscribe(ctx context.Context, topic string, handler func(types.Message)) (func(), error)

	// Close stops every subscription.
	Close() error
}

// Request publishes msg on topic and waits for the reply addressed to it.
func Request(ctx context.Context, bus Bus, topic string, msg types.Message) (types.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ReplyTo = replyTopicPrefix + msg.ID

	replies := make(chan types.Message, 1)
	unsubscribe, err := bus.Subscribe(ctx, msg.ReplyTo, func(reply types.Message) {
		if reply.ID != msg.ID {
			return
		}
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return types.Message{}, err
	}
	defer unsubscribe()

	if err := bus.Publish(ctx, topic, msg); err != nil {
		return types.Message{}, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return types.Message{}, fmt.Errorf("waiting for %s reply: %w", msg.Type, ctx.Err())
	}
}

// Reply answers req on its reply topic. Requests without one are ignored.
func Reply(ctx context.Context, bus Bus, req types.Message, payload any) error {
	if req.ReplyTo == "" {
		return nil
	}
	reply, err := types.NewMessage(types.Reply, payload)
	if err != nil {
		return err
	}
	reply.ID = req.ID
	return bus.Publish(ctx, req.ReplyTo, reply)
}

// MemoryHub connects in-process buses. Each endpoint gets its own id.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	owner   string
	handler func(types.Message)
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[int]*memorySub)}
}

// Bus returns an endpoint identified by id.
func (h *MemoryHub) Bus(id string) *MemoryBus {
	return &MemoryBus{hub: h, id: id, owned: make(map[string][]int)}
}

// MemoryBus is an in-process Bus endpoint. Handlers run synchronously on
// the publishing goroutine.
type MemoryBus struct {
	hub *MemoryHub
	id  string

	mu     sync.Mutex
	owned  map[string][]int
	closed bool
}

// ID implements Bus.
func (b *MemoryBus) ID() string { return b.id }

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg types.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	msg.Sender = b.id

	b.hub.mu.RLock()
	var handlers []func(types.Message)
	for _, sub := range b.hub.subs[topic] {
		if sub.owner != b.id {
			handlers = append(handlers, sub.handler)
		}
	}
	b.hub.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler func(types.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.hub.mu.Lock()
	id := b.hub.nextID
	b.hub.nextID++
	if b.hub.subs[topic] == nil {
		b.hub.subs[topic] = make(map[int]*memorySub)
	}
	b.hub.subs[topic][id] = &memorySub{owner: b.id, handler: handler}
	b.hub.mu.Unlock()

	b.owned[topic] = append(b.owned[topic], id)

	var once sync.Once
	return func() {
		once.Do(func() { b.hub.remove(topic, id) })
	}, nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, ids := range b.owned {
		for _, id := range ids {
			b.hub.remove(topic, id)
		}
	}
	return nil
}

func (h *MemoryHub) remove(topic string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], id)
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
}
