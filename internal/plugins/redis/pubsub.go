package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"cgraph/internal/core/contracts"
)

// PubSubBus is the Redis PUBLISH/SUBSCRIBE implementation of contracts.Bus.
type PubSubBus struct {
	rdb *redis.Client
}

var _ contracts.Bus = (*PubSubBus)(nil)

func NewPubSubBus(rdb *redis.Client) *PubSubBus {
	return &PubSubBus{rdb: rdb}
}

func (b *PubSubBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a dedicated pubsub connection. With no channels the
// connection is verified with PING so an unreachable broker is reported
// here rather than on the first Receive.
func (b *PubSubBus) Subscribe(ctx context.Context, channels ...string) (contracts.Subscription, error) {
	ps := b.rdb.Subscribe(ctx)
	var err error
	if len(channels) > 0 {
		err = ps.Subscribe(ctx, channels...)
	} else {
		err = ps.Ping(ctx)
	}
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &subscription{ps: ps}, nil
}

type subscription struct {
	ps *redis.PubSub
}

// Receive does not observe ctx once blocked on the socket; Close unblocks it.
func (s *subscription) Receive(ctx context.Context) (string, []byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	return msg.Channel, []byte(msg.Payload), nil
}

func (s *subscription) Add(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *subscription) Remove(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *subscription) Close() error {
	return s.ps.Close()
}
