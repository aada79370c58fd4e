package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flextasker/realtime-gateway/models"
)

const rateLimitKeyPrefix = "ratelimit:"

// takeScript refills, debits and blocks a bucket atomically. Times are in
// milliseconds and come from the caller so every instance shares one clock
// reading per request.
//
// KEYS[1] bucket hash
// ARGV capacity, refill per ms, cost, now, block, ttl
// returns {allowed, remaining, retry_after_ms, blocked_until}
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local block = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts', 'blocked')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
local blocked = tonumber(state[3]) or 0

if now < blocked then
  return {0, 0, blocked - now, blocked}
end

if tokens == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif block > 0 then
  blocked = now + block
  retry = block
else
  retry = math.ceil((cost - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts), 'blocked', tostring(blocked))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, math.floor(tokens), retry, blocked}
`)

// RedisBucketStore keeps buckets in Redis so every instance enforces one budget per key.
type RedisBucketStore struct {
	redis *redis.Client
}

func NewRedisBucketStore(client *redis.Client) *RedisBucketStore {
	return &RedisBucketStore{redis: client}
}

func (s *RedisBucketStore) Take(ctx context.Context, policy RateLimitPolicy, key string, cost int, now time.Time) (models.RateLimitBucket, bool, error) {
	perMS := policy.perSecond() / 1000
	res, err := takeScript.Run(ctx, s.redis,
		[]string{rateLimitKeyPrefix + policy.Name + ":" + key},
		policy.Points,
		perMS,
		cost,
		now.UnixMilli(),
		policy.Block.Milliseconds(),
		policy.idleAfter().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.RateLimitBucket{}, false, fmt.Errorf("failed to consume rate limit bucket: %w", err)
	}
	if len(res) != 4 {
		return models.RateLimitBucket{}, false, fmt.Errorf("unexpected rate limit script reply of %d values", len(res))
	}

	state := models.RateLimitBucket{
		Key:             key,
		PointsRemaining: int(res[1]),
	}
	if res[0] == 1 {
		state.ResetAt = now.Add(refillDuration(policy, float64(res[1])))
		return state, true, nil
	}
	state.ResetAt = now.Add(time.Duration(res[2]) * time.Millisecond)
	if res[3] > now.UnixMilli() {
		state.BlockedUntil = time.UnixMilli(res[3])
	}
	return state, false, nil
}
