package contracts

import (
	"context"
)

// MessageQueue is a durable stream consumed by worker groups. External
// subsystems use it to hand server-originated events to the delivery core.
type MessageQueue interface {
	PublishToStream(ctx context.Context, stream string, payload []byte) error
	// SubscribeToStream reads new entries for the consumer group until ctx
	// is done, calling handler for each.
	SubscribeToStream(ctx context.Context, stream string, conGroup string, handler func(ctx context.Context, messageID string, data []byte) error) error
	AcknowledgeMessage(ctx context.Context, stream, conGroup, mesgID string) error
	DeleteMessage(ctx context.Context, stream, mesgID string) error
}
