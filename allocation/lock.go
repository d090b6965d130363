package allocation

import (
	"context"
	"sync"
)

// =============================================================================
// LOCKER - Per-schedule mutual exclusion
// =============================================================================

// Locker serializes writers of one schedule. Different keys never block
// each other.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ScheduleLockKey builds the lock key for a schedule.
func ScheduleLockKey(id ScheduleID) string {
	return "allocation:schedule:" + string(id) + ":lock"
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, k)
		return nil, ErrLockNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(key, k)
		})
	}, nil
}

func (l *LocalLocker) release(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}
