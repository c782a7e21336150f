package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/geofleet/fleet-server-go/internal/redis"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return {1, limit - count - 1, now + window}
`)

// RateDecision is the outcome of one limiter check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	CheckLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) RateDecision
}

// RateLimiter is a sliding-window limiter shared by all instances through Redis.
type RateLimiter struct {
	client   *redis.Client
	failOpen bool
}

// NewRateLimiter creates a limiter. With failOpen a Redis outage lets requests
// through; otherwise they are denied.
func NewRateLimiter(client *redis.Client, failOpen bool) *RateLimiter {
	return &RateLimiter{client: client, failOpen: failOpen}
}

func (rl *RateLimiter) CheckLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) RateDecision {
	now := time.Now()
	key := redisclient.RateLimitKey(scope, subject)

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{key},
		now.Unix(),
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err == nil && len(result) != 3 {
		err = redis.Nil
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Bool("failOpen", rl.failOpen).
			Msg("rate limit check failed")
		return RateDecision{Allowed: rl.failOpen, ResetAt: now.Add(window)}
	}

	return RateDecision{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetAt:   time.Unix(result[2], 0),
	}
}
