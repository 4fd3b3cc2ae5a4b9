package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing a lock this process no longer
// owns (expired TTL or never acquired).
var ErrLockNotHeld = errors.New("lock not held")

// Locker serializes batch runs across instances with SET NX locks. The TTL
// bounds how long a crashed run can block the next one.
type Locker struct {
	client    *Client
	keyPrefix string

	mu    sync.Mutex
	owned map[string]string
}

// NewLocker creates a new Locker
func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
		owned:     make(map[string]string),
	}
}

// Acquire attempts to take the lock. Returns false without error when some
// other run already holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.owned[lockKey] = lockValue
	l.mu.Unlock()

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
	return true, nil
}

// Release releases a lock acquired by this process. The owner token keeps a
// slow run from deleting a lock that already expired and was re-acquired.
func (l *Locker) Release(ctx context.Context, key string) error {
	lockKey := l.keyPrefix + key

	l.mu.Lock()
	lockValue, ok := l.owned[lockKey]
	delete(l.owned, lockKey)
	l.mu.Unlock()

	if !ok {
		return ErrLockNotHeld
	}

	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client.rdb, []string{lockKey}, lockValue).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	l.client.logger.WithContext(ctx).Debugf("Released lock: %s", key)
	return nil
}
