package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps the counter and arms the expiry on the first hit of a
// window. It returns the count and the remaining window in milliseconds.
var incrementScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if c == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// RedisCounter shares windows between replicas through Redis.
type RedisCounter struct {
	client redis.Scripter
	prefix string
}

// NewRedisCounter wraps a redis client.
func NewRedisCounter(client redis.Scripter, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "coursekeep:rl:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Increment(ctx context.Context, key Key, rule Rule, now time.Time) (Window, error) {
	windowMs := rule.Window.Milliseconds()
	res, err := incrementScript.Run(ctx, c.client, []string{c.prefix + key.String()}, windowMs).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("redis increment: unexpected reply %v", res)
	}
	elapsed := time.Duration(windowMs-res[1]) * time.Millisecond
	return Window{Key: key, Count: int(res[0]), Start: now.Add(-elapsed)}, nil
}
