package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiterDisabled(t *testing.T) {
	limiter, err := NewLimiter(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	ctx := context.Background()
	res, err := limiter.AllowProcessorCall(ctx, 42)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	token, ok, err := limiter.TryLockEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, limiter.ReleaseEvent(ctx, "stripe", "evt_1", token))
	assert.NoError(t, limiter.Close())
}

func TestNewLimiterValidation(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{
		Enabled:               true,
		ProcessorRate:         1,
		ProcessorBurst:        2,
		WebhookLockTTLSeconds: 30,
	}}
	_, err := NewLimiter(cfg)
	assert.Error(t, err, "redis addr is required")

	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.RateLimit.ProcessorBurst = 0
	_, err = NewLimiter(cfg)
	assert.Error(t, err)

	cfg.RateLimit.ProcessorBurst = 2
	cfg.RateLimit.WebhookLockTTLSeconds = 0
	_, err = NewLimiter(cfg)
	assert.Error(t, err)

	cfg.RateLimit.WebhookLockTTLSeconds = 30
	limiter, err := NewLimiter(cfg)
	require.NoError(t, err)
	assert.True(t, limiter.Enabled())
	assert.Equal(t, 30*time.Second, limiter.events.ttl)
	assert.Equal(t, 2, limiter.bucket.burst)
	assert.NoError(t, limiter.Close())
}

func TestEventKeyNormalizes(t *testing.T) {
	assert.Equal(t, "marketledger:webhook:event:stripe:evt_1", eventKey(" Stripe ", " evt_1"))
}

func TestIdleTTL(t *testing.T) {
	assert.Equal(t, 20*time.Second, idleTTL(0.5, 5))
	assert.Equal(t, time.Second, idleTTL(100, 1))
	assert.Equal(t, time.Second, idleTTL(0, 1))
}

func TestDecisionFromReply(t *testing.T) {
	d, err := decisionFromReply([]int64{0, 0, 1500}, 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)

	d, err = decisionFromReply([]int64{1, 3, 0}, 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
	assert.Zero(t, d.RetryAfter)

	_, err = decisionFromReply([]int64{1}, 5)
	assert.ErrorIs(t, err, errBucketReply)
}

func TestReleaseWithoutTokenIsNoop(t *testing.T) {
	lock := newEventLock(nil, time.Second)
	assert.NoError(t, lock.release(context.Background(), "k", ""))
}
