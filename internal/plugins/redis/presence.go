package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cgraph/internal/core/contracts"
)

// RedisPresenceStore keeps one ZSET per room, "presence:<room>", scored by
// the unix time of each user's last heartbeat.
type RedisPresenceStore struct {
	rdb    *redis.Client
	window time.Duration
	now    func() time.Time
}

var _ contracts.PresenceStore = (*RedisPresenceStore)(nil)

// NewRedisPresenceStore reports users seen within window as online.
func NewRedisPresenceStore(rdb *redis.Client, window time.Duration) *RedisPresenceStore {
	return &RedisPresenceStore{
		rdb:    rdb,
		window: window,
		now:    time.Now,
	}
}

func presenceKey(roomID string) string {
	return "presence:" + roomID
}

// UpdateOnlineStatus adds/updates a user in the room's ZSet with the current timestamp.
func (p *RedisPresenceStore) UpdateOnlineStatus(
	ctx context.Context,
	roomID string,
	userID string,
	ttl time.Duration, // "inactivity threshold"
) error {
	key := presenceKey(roomID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(p.now().Unix()),
			Member: userID,
		})
		// Expire the whole set so an abandoned room does not leak memory.
		pipe.Expire(ctx, key, ttl*2)
		return nil
	})
	return err
}

// GetOnlineParticipants returns users who have checked in within the window.
func (p *RedisPresenceStore) GetOnlineParticipants(ctx context.Context, roomID string) ([]string, error) {
	key := presenceKey(roomID)
	threshold := p.now().Add(-p.window).Unix()
	// Remove stale members first (Self-cleaning)
	if err := p.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(threshold, 10)).Err(); err != nil {
		return nil, err
	}
	return p.rdb.ZRange(ctx, key, 0, -1).Result()
}

func (p *RedisPresenceStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return p.rdb.ZRem(ctx, presenceKey(roomID), userID).Err()
}
