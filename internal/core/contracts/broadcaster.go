package contracts

import (
	"context"

	"cgraph/internal/core/domain"
)

// Broadcaster delivers events to every connection addressed by a target,
// locally and on every other instance. Subsystems unrelated to WebSockets
// push into a user's live connections through it.
type Broadcaster interface {
	Broadcast(ctx context.Context, target domain.Target, ev domain.Event, opts ...BroadcastOption) error
}

// BroadcastOptions tunes one Broadcast call.
type BroadcastOptions struct {
	// Except is a local connection id that must not receive the event.
	Except string
}

type BroadcastOption func(*BroadcastOptions)

// Except skips the connection with id connID during local delivery.
func Except(connID string) BroadcastOption {
	return func(o *BroadcastOptions) { o.Except = connID }
}

// RoomMembership mutates a connection's room set after the handshake.
type RoomMembership interface {
	Join(ctx context.Context, c Client, roomID string) error
	Leave(ctx context.Context, c Client, roomID string) error
}
