package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still holds it, so an
// expired lease taken over by another holder is never clobbered.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// refreshScript extends the TTL only for the current holder.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Lock is one held distributed lease.
type Lock interface {
	Key() string
	// Release frees the lease; ErrLockLost when it already expired or was
	// taken over.
	Release(ctx context.Context) error
	// Refresh extends the lease TTL while held.
	Refresh(ctx context.Context, ttl time.Duration) error
}

// LockManager hands out exclusive, TTL-bounded leases. Acquire never waits:
// a taken lease answers ErrLockHeld immediately and the caller proceeds
// without the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLockManager implements LockManager with SETNX and a per-acquisition
// holder token, released through a compare-and-delete script.
type RedisLockManager struct {
	client redis.UniversalClient
}

func NewRedisLockManager(r *Redis) (*RedisLockManager, error) {
	if r == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLockManager{client: r.Client()}, nil
}

func (m *RedisLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &redisLock{client: m.client, key: key, token: token}, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLock) Key() string {
	return l.key
}

func (l *redisLock) Release(ctx context.Context) error {
	deleted, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	extended, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %q: %w", l.key, err)
	}
	if extended == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}
