package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cgraph/internal/core/contracts"
)

// RedisMessageQueue is a Redis Streams work queue. Entries carry their
// payload in the "data" field.
type RedisMessageQueue struct {
	rdb    *redis.Client
	log    *slog.Logger
	block  time.Duration
	maxLen int64
}

var _ contracts.MessageQueue = (*RedisMessageQueue)(nil)

func NewRedisMessageQueue(log *slog.Logger, rdb *redis.Client) *RedisMessageQueue {
	return &RedisMessageQueue{
		rdb:    rdb,
		log:    log,
		block:  2 * time.Second,
		maxLen: 10000,
	}
}

func (q *RedisMessageQueue) streamKey(stream string) string {
	return "stream:" + stream
}

func (q *RedisMessageQueue) PublishToStream(ctx context.Context, stream string, payload []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(stream),
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": payload},
	}).Err()
}

// SubscribeToStream creates conGroup if needed and delivers new entries to
// handler until ctx is done. Entries whose handler fails stay pending.
func (q *RedisMessageQueue) SubscribeToStream(
	ctx context.Context,
	stream string,
	conGroup string,
	handler func(ctx context.Context, messageID string, data []byte) error,
) error {
	topic := q.streamKey(stream)
	err := q.rdb.XGroupCreateMkStream(ctx, topic, conGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	consumerName := uuid.NewString()
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Read new messages (">")
		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    conGroup,
			Consumer: consumerName,
			Streams:  []string{topic, ">"},
			Count:    16,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.WarnContext(ctx, "queue - subscribe - stream read failed", "stream", topic, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(q.block):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				raw, ok := msg.Values["data"].(string)
				if !ok {
					q.log.WarnContext(ctx, "queue - subscribe - entry without data", "stream", topic, "id", msg.ID)
					continue
				}
				if err := handler(ctx, msg.ID, []byte(raw)); err != nil {
					q.log.ErrorContext(ctx, "queue - subscribe - handler failed", "stream", topic, "id", msg.ID, "err", err)
				}
			}
		}
	}
}

func (q *RedisMessageQueue) AcknowledgeMessage(ctx context.Context, stream, conGroup, mesgID string) error {
	return q.rdb.XAck(ctx, q.streamKey(stream), conGroup, mesgID).Err()
}

func (q *RedisMessageQueue) DeleteMessage(ctx context.Context, stream, mesgID string) error {
	return q.rdb.XDel(ctx, q.streamKey(stream), mesgID).Err()
}
