package contracts

import (
	"context"
)

// AddressBook is the per-instance registry of live local connections,
// indexed by room and by user. Snapshots returned by the lookup methods are
// owned by the caller.
type AddressBook interface {
	// Register adds c to roomID and to its user's set. Reports whether the
	// room entry was new.
	Register(c Client, roomID string) bool
	// Unregister removes c from roomID. The user entry is dropped when c has
	// no rooms left. Reports whether the room entry existed.
	Unregister(c Client, roomID string) bool
	// UnregisterAll removes c from every room and from its user's set.
	UnregisterAll(c Client) (rooms []string, userRemoved bool)
	LocalSubscribers(roomID string) []Client
	LocalSubscribersForUser(userID string) []Client
	RoomsOf(connID string) []string
	InRoom(connID, roomID string) bool
	All() []Client
}

// Client represents the minimal interface required for the AddressBook and
// Broadcaster to communicate with an individual WebSocket connection.
type Client interface {
	ID() string
	UserID() string
	// RoomID is the room the connection was opened against.
	RoomID() string
	// Send queues data for the connection's writer. It never blocks longer
	// than the configured enqueue timeout.
	Send(ctx context.Context, data []byte) error
	Close()
}
