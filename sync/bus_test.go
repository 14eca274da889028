package sync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/offline-sync/types"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// forEachBus runs fn against two connected endpoints of each implementation.
func forEachBus(t *testing.T, fn func(t *testing.T, a, b Bus)) {
	t.Run("memory", func(t *testing.T) {
		hub := NewMemoryHub()
		a, b := hub.Bus("pod-1"), hub.Bus("pod-2")
		defer a.Close()
		defer b.Close()
		fn(t, a, b)
	})
	t.Run("redis", func(t *testing.T) {
		client := newRedisClient(t)
		a := NewRedisBus(client, RedisBusOptions{ID: "pod-1", Prefix: "offlinesync:"})
		b := NewRedisBus(client, RedisBusOptions{ID: "pod-2", Prefix: "offlinesync:"})
		defer a.Close()
		defer b.Close()
		fn(t, a, b)
	})
}

func TestBusDeliversToOthersOnly(t *testing.T) {
	forEachBus(t, func(t *testing.T, a, b Bus) {
		ctx := context.Background()
		fromA := make(chan types.Message, 4)
		fromB := make(chan types.Message, 4)

		_, err := a.Subscribe(ctx, TopicEvents, func(m types.Message) { fromB <- m })
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, TopicEvents, func(m types.Message) { fromA <- m })
		require.NoError(t, err)

		msg, err := types.NewMessage(types.MutationSynced, types.SyncedPayload{ID: "m1", Success: true})
		require.NoError(t, err)
		require.NoError(t, a.Publish(ctx, TopicEvents, msg))

		select {
		case got := <-fromA:
			assert.Equal(t, types.MutationSynced, got.Type)
			assert.Equal(t, "pod-1", got.Sender)
			var payload types.SyncedPayload
			require.NoError(t, got.Decode(&payload))
			assert.Equal(t, types.SyncedPayload{ID: "m1", Success: true}, payload)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}

		// A bus never hears itself.
		select {
		case got := <-fromB:
			t.Fatalf("unexpected self delivery %+v", got)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestBusUnsubscribe(t *testing.T) {
	forEachBus(t, func(t *testing.T, a, b Bus) {
		ctx := context.Background()
		got := make(chan types.Message, 4)

		unsubscribe, err := b.Subscribe(ctx, TopicControl, func(m types.Message) { got <- m })
		require.NoError(t, err)
		unsubscribe()
		unsubscribe()

		require.NoError(t, a.Publish(ctx, TopicControl, types.Message{Type: types.ClearCache}))
		select {
		case m := <-got:
			t.Fatalf("unexpected delivery after unsubscribe %+v", m)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestRequestReply(t *testing.T) {
	forEachBus(t, func(t *testing.T, app, edge Bus) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := edge.Subscribe(ctx, TopicControl, func(m types.Message) {
			if m.Type != types.GetCacheStatus {
				return
			}
			_ = Reply(context.Background(), edge, m, types.CacheStatus{Version: "v2", Active: true})
		})
		require.NoError(t, err)

		reply, err := Request(ctx, app, TopicControl, types.Message{Type: types.GetCacheStatus})
		require.NoError(t, err)
		assert.Equal(t, types.Reply, reply.Type)

		var status types.CacheStatus
		require.NoError(t, reply.Decode(&status))
		assert.Equal(t, "v2", status.Version)
		assert.True(t, status.Active)
	})
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	forEachBus(t, func(t *testing.T, app, _ Bus) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := Request(ctx, app, TopicControl, types.Message{Type: types.ClearCache})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestReplyWithoutReplyTopicIsNoOp(t *testing.T) {
	hub := NewMemoryHub()
	assert.NoError(t, Reply(context.Background(), hub.Bus("x"), types.Message{Type: types.ForceSync}, nil))
}

func TestClosedBus(t *testing.T) {
	forEachBus(t, func(t *testing.T, a, _ Bus) {
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		ctx := context.Background()
		assert.ErrorIs(t, a.Publish(ctx, TopicEvents, types.Message{Type: types.SyncRequested}), ErrBusClosed)
		_, err := a.Subscribe(ctx, TopicEvents, func(types.Message) {})
		assert.ErrorIs(t, err, ErrBusClosed)
	})
}

func TestRedisBusDropsUndecodableMessages(t *testing.T) {
	client := newRedisClient(t)
	bus := NewRedisBus(client, RedisBusOptions{ID: "pod-1"})
	defer bus.Close()

	ctx := context.Background()
	got := make(chan types.Message, 1)
	_, err := bus.Subscribe(ctx, TopicEvents, func(m types.Message) { got <- m })
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, TopicEvents, "not json").Err())
	require.NoError(t, client.Publish(ctx, TopicEvents, `{"type":"SYNC_REQUESTED","sender":"other"}`).Err())

	select {
	case m := <-got:
		assert.Equal(t, types.SyncRequested, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message not delivered")
	}
}
