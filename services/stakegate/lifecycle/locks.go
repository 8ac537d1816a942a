package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"stakegate/crypto"
)

// userLocks hands out one exclusive lock per user. Entries are reference
// counted and dropped once no caller holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[crypto.PublicKey]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[crypto.PublicKey]*userLock)}
}

// acquire blocks until the lock for user is held or ctx is done. The returned
// func releases it.
func (l *userLocks) acquire(ctx context.Context, user crypto.PublicKey) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[user]
	if !ok {
		entry = &userLock{sem: semaphore.NewWeighted(1)}
		l.locks[user] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.drop(user, entry)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.drop(user, entry)
		})
	}, nil
}

func (l *userLocks) drop(user crypto.PublicKey, entry *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, user)
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
