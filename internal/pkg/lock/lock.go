// Package lock provides the per-user exclusive section that serializes
// balance mutations inside one process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when the section is not acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timeout")

// userMutex is a one-slot semaphore so acquisition can be abandoned
// when the caller's context ends.
type userMutex struct {
	slot    chan struct{}
	waiters int
}

// UserLock hands out one exclusive section per user id. Entries are
// dropped once nobody holds or waits for them.
type UserLock struct {
	mu    sync.Mutex
	locks map[int64]*userMutex
}

// NewUserLock creates a new UserLock instance.
func NewUserLock() *UserLock {
	return &UserLock{locks: make(map[int64]*userMutex)}
}

func (ul *UserLock) acquireRef(userID int64) *userMutex {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	m, ok := ul.locks[userID]
	if !ok {
		m = &userMutex{slot: make(chan struct{}, 1)}
		ul.locks[userID] = m
	}
	m.waiters++
	return m
}

func (ul *UserLock) releaseRef(userID int64, m *userMutex) {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	m.waiters--
	if m.waiters == 0 {
		delete(ul.locks, userID)
	}
}

// Lock blocks until the user's section is free.
func (ul *UserLock) Lock(userID int64) {
	m := ul.acquireRef(userID)
	m.slot <- struct{}{}
}

// Unlock releases the user's section. Unlocking a user that is not
// locked is a no-op.
func (ul *UserLock) Unlock(userID int64) {
	ul.mu.Lock()
	m, ok := ul.locks[userID]
	ul.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-m.slot:
		ul.releaseRef(userID, m)
	default:
	}
}

// TryLock acquires the section only if it is free right now.
func (ul *UserLock) TryLock(userID int64) bool {
	m := ul.acquireRef(userID)
	select {
	case m.slot <- struct{}{}:
		return true
	default:
		ul.releaseRef(userID, m)
		return false
	}
}

// LockWithTimeout waits at most timeout (or until ctx ends) for the section.
func (ul *UserLock) LockWithTimeout(ctx context.Context, userID int64, timeout time.Duration) bool {
	m := ul.acquireRef(userID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.slot <- struct{}{}:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	ul.releaseRef(userID, m)
	return false
}

// WithLock executes fn while holding the user's section.
func (ul *UserLock) WithLock(userID int64, fn func() error) error {
	ul.Lock(userID)
	defer ul.Unlock(userID)
	return fn()
}

// WithLockContext executes fn while holding the user's section. It returns
// ErrLockTimeout when the section could not be acquired in time and the
// context error when ctx ended first.
func (ul *UserLock) WithLockContext(ctx context.Context, userID int64, timeout time.Duration, fn func() error) error {
	if !ul.LockWithTimeout(ctx, userID, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer ul.Unlock(userID)
	return fn()
}

// IsLocked reports whether someone currently holds the user's section.
// The answer may be stale as soon as it returns.
func (ul *UserLock) IsLocked(userID int64) bool {
	ul.mu.Lock()
	m, ok := ul.locks[userID]
	ul.mu.Unlock()
	return ok && len(m.slot) == 1
}

// Len returns the number of users with a held or awaited section.
func (ul *UserLock) Len() int {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return len(ul.locks)
}
