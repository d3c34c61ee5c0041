// Package locks provides the Redis-backed scope locker for multi-instance
// deployments. Single-instance setups can use the SQLite lease locker or the
// process-local one from the stores package instead.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/cheneeheng/stategate/pkg/engine"
)

// releaseScript deletes the lock key only when the holder token still
// matches, so an expired-and-retaken lock is never released by the old
// holder.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const pollInterval = 50 * time.Millisecond

// RedisLocker implements the engine's ScopeLocker on Redis SET NX PX.
type RedisLocker struct {
	client *backend.Client
	prefix string
}

// NewRedisLocker creates a locker. All keys are namespaced under prefix.
func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(scopeID string) string {
	return l.prefix + "lock:" + scopeID
}

// Acquire blocks until the scope lock is held or ctx is done. The lock key
// expires after ttl so a crashed holder cannot wedge the scope forever.
func (l *RedisLocker) Acquire(ctx context.Context, scopeID string, ttl time.Duration) (engine.ReleaseFunc, error) {
	key := l.key(scopeID)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock for %s: %w", scopeID, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
					return fmt.Errorf("releasing lock for %s: %w", scopeID, err)
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", scopeID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
