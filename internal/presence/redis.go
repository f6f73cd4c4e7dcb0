package presence

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker stores one sorted set per room, scored by last-seen unix millis.
type RedisTracker struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

func NewRedisTracker(rdb *redis.Client, window time.Duration) *RedisTracker {
	return &RedisTracker{
		rdb:    rdb,
		window: window,
		prefix: "roomy:presence:room:",
	}
}

func (t *RedisTracker) key(roomId string) string {
	return t.prefix + roomId
}

func (t *RedisTracker) Touch(ctx context.Context, roomId, userId string, at time.Time) error {
	err := t.rdb.ZAdd(ctx, t.key(roomId), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userId,
	}).Err()
	if err != nil {
		return fmt.Errorf("touch presence for room %s: %w", roomId, err)
	}

	return nil
}

func (t *RedisTracker) Leave(ctx context.Context, roomId, userId string) error {
	if err := t.rdb.ZRem(ctx, t.key(roomId), userId).Err(); err != nil {
		return fmt.Errorf("leave presence for room %s: %w", roomId, err)
	}
	return nil
}

func (t *RedisTracker) Online(ctx context.Context, roomId string, now time.Time) ([]string, error) {
	key := t.key(roomId)
	cutoff := strconv.FormatInt(now.Add(-t.window).UnixMilli(), 10)

	pipe := t.rdb.TxPipeline()
	// stale entries would otherwise live forever
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	members := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch presence for room %s: %w", roomId, err)
	}

	users := members.Val()
	if users == nil {
		users = make([]string, 0)
	}
	slices.Sort(users)

	return users, nil
}

func (t *RedisTracker) Forget(ctx context.Context, roomId string) error {
	if err := t.rdb.Del(ctx, t.key(roomId)).Err(); err != nil {
		return fmt.Errorf("forget presence for room %s: %w", roomId, err)
	}
	return nil
}
