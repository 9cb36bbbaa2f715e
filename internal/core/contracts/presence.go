package contracts

import (
	"context"
	"time"
)

// For each room, use ZSET to store presence info
type PresenceStore interface {
	// UpdateOnlineStatus records userID as seen now in roomID
	UpdateOnlineStatus(ctx context.Context, roomID string, userID string, ttl time.Duration) error
	// GetOnlineParticipants returns the user ids seen within the presence window
	GetOnlineParticipants(ctx context.Context, roomID string) ([]string, error)
	// RemoveParticipant drops userID from roomID immediately
	RemoveParticipant(ctx context.Context, roomID string, userID string) error
}
