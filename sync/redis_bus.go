package sync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/types"
)

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	// ID identifies this endpoint; messages it sent are not delivered back.
	ID string

	// Prefix namespaces the pub/sub channels.
	Prefix string

	Logger cache.Logger
}

// RedisBus implements Bus using Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
	id     string
	prefix string
	logger cache.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	pubsub  *redis.PubSub
	handler func(types.Message)
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisBus creates a new Pub/Sub bus.
func NewRedisBus(client *redis.Client, opts RedisBusOptions) *RedisBus {
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	return &RedisBus{
		client: client,
		id:     opts.ID,
		prefix: opts.Prefix,
		logger: opts.Logger,
		subs:   make(map[*subscription]struct{}),
	}
}

// ID implements Bus.
func (rb *RedisBus) ID() string { return rb.id }

// Publish publishes a message.
func (rb *RedisBus) Publish(ctx context.Context, topic string, msg types.Message) error {
	rb.mu.Lock()
	closed := rb.closed
	rb.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	msg.Sender = rb.id
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return rb.client.Publish(ctx, rb.prefix+topic, string(data)).Err()
}

// Subscribe starts listening on topic. It waits for Redis to confirm the
// subscription so a message published right after it returns is not missed.
func (rb *RedisBus) Subscribe(ctx context.Context, topic string, handler func(types.Message)) (func(), error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil, ErrBusClosed
	}

	pubsub := rb.client.Subscribe(ctx, rb.prefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{
		pubsub:  pubsub,
		handler: handler,
		done:    make(chan struct{}),
	}
	rb.subs[sub] = struct{}{}

	sub.wg.Add(1)
	go rb.listen(sub)

	return func() {
		rb.mu.Lock()
		delete(rb.subs, sub)
		rb.mu.Unlock()
		sub.stop()
	}, nil
}

// Close closes every subscription.
func (rb *RedisBus) Close() error {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return nil
	}
	rb.closed = true
	subs := rb.subs
	rb.subs = nil
	rb.mu.Unlock()

	var firstErr error
	for sub := range subs {
		if err := sub.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *subscription) stop() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}

// listen delivers messages from one Redis subscription.
func (rb *RedisBus) listen(sub *subscription) {
	defer sub.wg.Done()

	ch := sub.pubsub.Channel()

	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}

			var m types.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				rb.logger.Warn("RedisBus: dropping undecodable message", "channel", msg.Channel, "error", err)
				continue
			}

			// Don't deliver your own messages
			if m.Sender == rb.id {
				continue
			}

			sub.handler(m)
		}
	}
}
