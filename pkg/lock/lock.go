// Package lock provides redis backed exclusive locks for billing runs and
// invoice reconciliation.
//
// A lock is a key set with SET NX PX holding a random token. Release deletes
// the key only while it still holds the caller's token, so a lock that
// expired and was taken over is never released by its previous owner.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/recur/pkg/billing"
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config controls how long Acquire waits for a held lock
type Config struct {
	Prefix string
	// Wait is how long Acquire keeps retrying a held lock. Zero fails fast.
	Wait time.Duration
	// RetryInterval is the pause between attempts while waiting
	RetryInterval time.Duration
}

// DefaultConfig returns the defaults used by the scheduler and API
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "recur:lock",
		Wait:          5 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// RedisLocker implements billing.Locker on redis
type RedisLocker struct {
	redis  redis.Cmdable
	config *Config
}

// NewRedisLocker creates a RedisLocker
func NewRedisLocker(client redis.Cmdable, config *Config) *RedisLocker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Prefix == "" {
		config.Prefix = "recur:lock"
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}
	return &RedisLocker{redis: client, config: config}
}

// Acquire takes the lock for ttl. It returns billing.ErrLockHeld when the
// lock is still held after the configured wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	redisKey := fmt.Sprintf("%s:%s", l.config.Prefix, key)
	token := uuid.NewString()
	deadline := time.Now().Add(l.config.Wait)

	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.release(ctx, redisKey, token)
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, billing.ErrLockHeld)
		}

		timer := time.NewTimer(l.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	if err := unlockScript.Run(ctx, l.redis, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
