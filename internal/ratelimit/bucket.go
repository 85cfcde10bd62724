package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tokens are stored in thousandths so every reply value is an integer.
// ARGV: capacity in tokens, refill in tokens per second (equal to
// milli-tokens per millisecond), idle ttl in ms.
const processorBucketScript = `
local capacity = tonumber(ARGV[1]) * 1000
local refill = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "milli", "at")
local milli = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
if now > at then
  milli = math.min(capacity, milli + (now - at) * refill)
end

local allowed = 0
local wait = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
else
  wait = math.ceil((1000 - milli) / refill)
end

redis.call("HSET", KEYS[1], "milli", milli, "at", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(milli / 1000), wait}
`

var errBucketReply = errors.New("unexpected processor bucket reply")

// Decision is the outcome of one processor call admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type processorBucket struct {
	client redis.UniversalClient
	script *redis.Script
	rate   float64
	burst  int
}

func newProcessorBucket(client redis.UniversalClient, rate float64, burst int) *processorBucket {
	return &processorBucket{
		client: client,
		script: redis.NewScript(processorBucketScript),
		rate:   rate,
		burst:  burst,
	}
}

func (b *processorBucket) take(ctx context.Context, key string) (Decision, error) {
	reply, err := b.script.Run(ctx, b.client, []string{key},
		b.burst, b.rate, idleTTL(b.rate, b.burst).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	return decisionFromReply(reply, b.burst)
}

func decisionFromReply(reply []int64, burst int) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, errBucketReply
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      burst,
		Remaining:  int(reply[1]),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// idleTTL keeps a bucket around for twice the time it takes to refill from
// empty, after which a missing key is equivalent to a full bucket.
func idleTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(2*float64(burst)/rate))
	return time.Duration(seconds) * time.Second
}
