/*
Package redislock provides a Redis-backed allocation.Locker.

PURPOSE:
  LocalLocker serializes one schedule inside one process. When several
  server or worker processes share a database, the same single-writer
  guarantee needs a lock they can all see. This package takes it in Redis:

    SET allocation:schedule:<id>:lock <token> NX PX <ttl>

  and releases it with a compare-and-delete script so a process can never
  release a lock that expired and was taken by someone else.

TTL:
  The TTL bounds how long a crashed holder blocks a schedule. It must be
  longer than the slowest apply (replay + transaction). The store's
  last+1 check still rejects a duplicate append if a lock expires mid-apply.

USAGE:
  client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
  svc := allocation.NewService(store,
      allocation.WithLocker(redislock.New(client, cfg.LockTTL)))
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/allocation-engine/allocation"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 25 * time.Millisecond
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements allocation.Locker on a Redis client.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// New returns a Locker. A zero ttl uses DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl, retry: DefaultRetry}
}

// WithRetry sets the polling interval used while the lock is held elsewhere.
func (l *Locker) WithRetry(d time.Duration) *Locker {
	if d > 0 {
		l.retry = d
	}
	return l
}

// Lock blocks until key is acquired or ctx is done. The returned func
// releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", key, allocation.ErrLockNotAcquired)
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return l.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", key, allocation.ErrLockNotAcquired)
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(key, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's ctx may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = release.Run(ctx, l.client, []string{key}, token).Err()
	}
}

// Held reports whether key is currently locked by anyone.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
