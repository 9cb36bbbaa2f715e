package contracts

import (
	"context"
)

// Bus is a topic publish/subscribe broker with at-least-once delivery to
// currently connected subscribers and no persistence.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a fresh subscription to channels. An error means the
	// broker could not be reached.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Subscription is one broker-side subscription. Receive is called from a
// single goroutine; Add and Remove may be called concurrently with it.
type Subscription interface {
	// Receive blocks until a message arrives. Any error other than a
	// canceled ctx means the subscription is dead and must be replaced.
	Receive(ctx context.Context) (channel string, payload []byte, err error)
	Add(ctx context.Context, channels ...string) error
	Remove(ctx context.Context, channels ...string) error
	Close() error
}
