// Package limiter throttles password guesses against rooms.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	// Allow reports whether one more attempt under key fits the budget.
	Allow(ctx context.Context, key string) (bool, error)
}

// fixedWindowScript increments the counter and sets its expiry on first use.
const fixedWindowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`

// RedisLimiter is a fixed-window counter shared by every server instance.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
	script *redis.Script
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "roomy:limit:",
		script: redis.NewScript(fixedWindowScript),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{l.prefix + key}, l.limit, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return res == 1, nil
}

// Unlimited never refuses an attempt. Used when no redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) {
	return true, nil
}
