package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketledger/internal/config"
)

const (
	keyProcessorUser = "marketledger:processor:user:%s"
	keyWebhookEvent  = "marketledger:webhook:event:%s:%s"
)

// Limiter throttles processor-bound calls per user and serializes
// concurrent deliveries of the same webhook event. A nil or disabled
// Limiter allows everything.
type Limiter struct {
	client redis.UniversalClient
	bucket *processorBucket
	events *eventLock
}

func NewLimiter(cfg config.Config) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.ProcessorRate <= 0 || limitCfg.ProcessorBurst <= 0 {
		return nil, errors.New("processor rate limit must be positive")
	}
	if limitCfg.WebhookLockTTLSeconds <= 0 {
		return nil, errors.New("webhook lock ttl must be positive")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(addr, ","),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})

	return &Limiter{
		client: client,
		bucket: newProcessorBucket(client, limitCfg.ProcessorRate, limitCfg.ProcessorBurst),
		events: newEventLock(client, time.Duration(limitCfg.WebhookLockTTLSeconds)*time.Second),
	}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.client != nil
}

// Close releases the Redis connection pool.
func (l *Limiter) Close() error {
	if !l.Enabled() {
		return nil
	}
	return l.client.Close()
}

// AllowProcessorCall takes one token from the user's processor bucket.
func (l *Limiter) AllowProcessorCall(ctx context.Context, userID snowflake.ID) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.take(ctx, fmt.Sprintf(keyProcessorUser, userID.String()))
}

// TryLockEvent claims a webhook event id for one delivery. With the limiter
// disabled every delivery proceeds and relies on the processed-event table.
func (l *Limiter) TryLockEvent(ctx context.Context, provider, eventID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.events.acquire(ctx, eventKey(provider, eventID))
}

func (l *Limiter) ReleaseEvent(ctx context.Context, provider, eventID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.events.release(ctx, eventKey(provider, eventID), token)
}

func eventKey(provider, eventID string) string {
	return fmt.Sprintf(
		keyWebhookEvent,
		strings.ToLower(strings.TrimSpace(provider)),
		strings.TrimSpace(eventID),
	)
}
