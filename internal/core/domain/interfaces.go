package domain

import (
	"context"
)

// Authenticator validates bearer tokens issued elsewhere.
type Authenticator interface {
	// VerifyToken returns the user id carried by token or ErrUnauthorized.
	VerifyToken(ctx context.Context, token string) (string, error)
}

// MembershipRepository answers room membership questions.
type MembershipRepository interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// MessageStore handles persistence of chat messages and reactions.
// Broadcast happens only after these calls succeed.
type MessageStore interface {
	// PersistMessage stores content and returns the new message id.
	PersistMessage(ctx context.Context, roomID, senderID, content string, encrypted bool) (string, error)
	// MessageInRoom reports whether messageID refers to a message stored in
	// roomID.
	MessageInRoom(ctx context.Context, roomID, messageID string) (bool, error)
	// PersistReaction attaches emoji to messageID on behalf of userID.
	PersistReaction(ctx context.Context, messageID, userID, emoji string) error
}
