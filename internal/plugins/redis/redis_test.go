package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cgraph/internal/app/bridge"
	"cgraph/internal/config"
	"cgraph/internal/core/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL:          "redis://" + mr.Addr(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
		PingTimeout:  time.Second,
	}, "cgraph-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewRedisClientFailsFast(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL:         "redis://127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		PingTimeout: 200 * time.Millisecond,
	}, "cgraph-test")
	require.Error(t, err)
}

func TestPubSubBusSubscribeAddRemove(t *testing.T) {
	mr, rdb := newRedis(t)
	bus := NewPubSubBus(rdb)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Add(ctx, "room:r1"))
	require.Eventually(t, func() bool { return mr.PubSubNumSub("room:r1")["room:r1"] == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "room:r1", []byte(`{"hello":1}`)))
	channel, payload, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "room:r1", channel)
	assert.JSONEq(t, `{"hello":1}`, string(payload))

	require.NoError(t, sub.Remove(ctx, "room:r1"))
	require.Eventually(t, func() bool { return mr.PubSubNumSub("room:r1")["room:r1"] == 0 }, time.Second, 5*time.Millisecond)
}

func TestPubSubBusSubscribeFailsWhenBrokerDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewPubSubBus(rdb).Subscribe(ctx)
	require.Error(t, err)
}

func TestBridgeOverRedisSurvivesRestart(t *testing.T) {
	mr, rdb := newRedis(t)
	bus := NewPubSubBus(rdb)
	b := bridge.New(discard(), bus, "A", bridge.Config{
		PublishTimeout: time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	})
	got := make(chan domain.Envelope, 4)
	b.OnEvent(func(_ context.Context, env domain.Envelope) { got <- env })
	require.NoError(t, b.Acquire(context.Background(), "room:r1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	publish := func(content string) {
		raw, err := json.Marshal(domain.Envelope{
			Origin: "B", EventID: content, Target: domain.RoomTarget("r1"),
			Event: domain.Event{Type: domain.TypeMessage, Content: content},
		})
		require.NoError(t, err)
		require.NoError(t, rdb.Publish(context.Background(), "room:r1", raw).Err())
	}
	waitFor := func(content string) {
		t.Helper()
		select {
		case env := <-got:
			assert.Equal(t, content, env.Event.Content)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not delivered", content)
		}
	}

	require.Eventually(t, func() bool { return mr.PubSubNumSub("room:r1")["room:r1"] == 1 }, time.Second, 5*time.Millisecond)
	publish("before")
	waitFor("before")

	mr.Close()
	require.Eventually(t, func() bool { return !b.Connected() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		return b.Connected() && mr.PubSubNumSub("room:r1")["room:r1"] == 1
	}, 3*time.Second, 10*time.Millisecond)
	publish("after")
	waitFor("after")
}

func TestPresenceWindow(t *testing.T) {
	_, rdb := newRedis(t)
	store := NewRedisPresenceStore(rdb, 30*time.Second)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.UpdateOnlineStatus(ctx, "r1", "alice", 30*time.Second))
	require.NoError(t, store.UpdateOnlineStatus(ctx, "r1", "bob", 30*time.Second))
	online, err := store.GetOnlineParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)

	require.NoError(t, store.RemoveParticipant(ctx, "r1", "bob"))
	online, err = store.GetOnlineParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	now = now.Add(time.Minute)
	online, err = store.GetOnlineParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestStreamQueueDeliversAndAcks(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewRedisMessageQueue(discard(), rdb)
	q.block = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.PublishToStream(ctx, "notifications", []byte("one")))
	require.NoError(t, q.PublishToStream(ctx, "notifications", []byte("two")))

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- q.SubscribeToStream(ctx, "notifications", "g1", func(ctx context.Context, id string, data []byte) error {
			mu.Lock()
			seen = append(seen, string(data))
			mu.Unlock()
			if err := q.AcknowledgeMessage(ctx, "notifications", "g1", id); err != nil {
				return err
			}
			return q.DeleteMessage(ctx, "notifications", id)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, seen)
	require.Eventually(t, func() bool {
		return rdb.XLen(context.Background(), "stream:notifications").Val() == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
