package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the lock only while it still holds the caller's token, so a
// delivery whose lock expired cannot release the next holder's lock.
const eventUnlockScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`

type eventLock struct {
	client redis.UniversalClient
	unlock *redis.Script
	ttl    time.Duration
}

func newEventLock(client redis.UniversalClient, ttl time.Duration) *eventLock {
	return &eventLock{client: client, unlock: redis.NewScript(eventUnlockScript), ttl: ttl}
}

// acquire returns the holder token when the lock was taken, or ok=false when
// another delivery of the same event holds it.
func (l *eventLock) acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	token = uuid.NewString()
	err = l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return token, true, nil
}

func (l *eventLock) release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	return l.unlock.Run(ctx, l.client, []string{key}, token).Err()
}
