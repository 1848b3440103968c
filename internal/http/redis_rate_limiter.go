package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisRateLimitPrefix = "deployer:ratelimit:"

// triggerScript increments the window counter and starts its expiry in one
// round trip. It returns the count and the remaining window in milliseconds.
var triggerScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// redisRateLimiter shares trigger windows between deployer instances.
type redisRateLimiter struct {
	client  redis.Scripter
	closer  func() error
	logger  *slog.Logger
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisRateLimiter connects to Redis and allows limit triggers per key
// per window across every instance using it.
func NewRedisRateLimiter(addr, password string, db, limit int, window time.Duration, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	rl := newRedisRateLimiter(client, limit, window, logger)
	rl.closer = client.Close
	return rl, nil
}

func newRedisRateLimiter(client redis.Scripter, limit int, window time.Duration, logger *slog.Logger) *redisRateLimiter {
	if window <= 0 {
		window = TriggerWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

func (rl *redisRateLimiter) Limit() int { return rl.limit }

// Allow lets the request through when Redis cannot answer; a limiter outage
// must not block deployments.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string) rateDecision {
	if rl.limit <= 0 {
		return rateDecision{allowed: true}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rl.timeout)
	defer cancel()

	res, err := triggerScript.Run(ctx, rl.client, []string{redisRateLimitPrefix + key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.logger.Error("redis rate limiter unavailable", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	count := int(res[0])
	return rateDecision{
		allowed: count <= rl.limit,
		count:   count,
		resetAt: time.Now().Add(time.Duration(res[1]) * time.Millisecond),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.closer != nil {
		_ = rl.closer()
	}
}
