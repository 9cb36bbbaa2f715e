package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetKind selects which AddressBook index an event is addressed to.
type TargetKind string

const (
	TargetRoom TargetKind = "room"
	TargetUser TargetKind = "user"
)

// Target is a room or a user an event is delivered to.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func RoomTarget(roomID string) Target { return Target{Kind: TargetRoom, ID: roomID} }
func UserTarget(userID string) Target { return Target{Kind: TargetUser, ID: userID} }

// Channel returns the bus channel name, "room:<id>" or "user:<id>".
func (t Target) Channel() string {
	return string(t.Kind) + ":" + t.ID
}

func (t Target) Valid() bool {
	return (t.Kind == TargetRoom || t.Kind == TargetUser) && t.ID != ""
}

// ParseChannel is the inverse of Target.Channel.
func ParseChannel(channel string) (Target, bool) {
	kind, id, ok := strings.Cut(channel, ":")
	if !ok {
		return Target{}, false
	}
	t := Target{Kind: TargetKind(kind), ID: id}
	return t, t.Valid()
}

// Envelope is what travels over the bus. Origin is the instance id of the
// publisher; receivers drop envelopes carrying their own origin because the
// publisher already served its local sockets.
type Envelope struct {
	Origin  string `json:"origin"`
	EventID string `json:"event_id"`
	Target  Target `json:"target"`
	Event   Event  `json:"event"`
}

// Message is a persisted chat entry as returned by a Store.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	Content     string
	IsEncrypted bool
	CreatedAt   time.Time
}

// Reaction is an emoji attached to a message by a user.
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// NewInstanceID returns a fresh identifier for this server process.
func NewInstanceID() string {
	return uuid.NewString()
}
