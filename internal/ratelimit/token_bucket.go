package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one submission attempt against a user's bucket.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket limits job submissions per user. State lives in Redis so every
// API replica draws from the same bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	idleTTL  time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket returns a limiter holding capacity tokens per user. Buckets
// untouched for idleTTL are dropped. A capacity of zero disables limiting.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		idleTTL:  idleTTL,
		prefix:   "ratelimit:submit:",
		now:      time.Now,
	}
}

// AllowUser takes one submission token from userID's bucket.
func (b *TokenBucket) AllowUser(ctx context.Context, userID string) (Decision, error) {
	if b == nil || b.capacity <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := takeScript.Run(ctx, b.client, []string{b.prefix + userID},
		b.capacity, b.refill, b.now().UnixMilli(), b.idleTTL.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("take token: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return Decision{}, fmt.Errorf("take token: unexpected reply %v", res)
	}
	allowed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)
	waitMS, _ := reply[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}

// RetryAfterSeconds rounds d up to whole seconds for the Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// Tokens are stored in milli-tokens so fractional refill survives the integer
// conversion of Lua replies.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1]) * 1000
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'mtokens', 'at')
local mtokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

if now > at then
  mtokens = math.min(capacity, mtokens + (now - at) * rate)
end

local allowed = 0
local wait = 0
if mtokens >= 1000 then
  allowed = 1
  mtokens = mtokens - 1000
elseif rate > 0 then
  wait = math.ceil((1000 - mtokens) / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'mtokens', mtokens, 'at', now)
if idle > 0 then redis.call('PEXPIRE', KEYS[1], idle) end
return {allowed, math.floor(mtokens / 1000), wait}
`)
