package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another writer currently holds an
// execution's lease.
var ErrLockHeld = errors.New("ledger: execution lock held by another writer")

// redisReleaseScript deletes the lease only if the caller still owns it,
// so an expired lease reacquired by another writer is never released by
// the original holder.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisExecutionLock serializes per-execution writers across processes for
// backends without advisory locks. Leases self-expire so a crashed holder
// cannot wedge an execution forever.
type RedisExecutionLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisExecutionLock creates a lock manager with the given lease TTL.
func NewRedisExecutionLock(client *redis.Client, ttl time.Duration) *RedisExecutionLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisExecutionLock{client: client, ttl: ttl}
}

func lockKey(tenantID, executionID string) string {
	return "execution_lock:" + tenantID + ":" + executionID
}

// Acquire takes the execution's lease, returning a release function. It
// fails with ErrLockHeld if another writer holds the lease.
func (l *RedisExecutionLock) Acquire(ctx context.Context, tenantID, executionID string) (func(context.Context) error, error) {
	key := lockKey(tenantID, executionID)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		return redisReleaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
