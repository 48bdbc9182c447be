package session

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock serializes session use within one local account. The engine holds it
// across encrypt and decrypt; archival from outside the engine takes it too.
// It is not reentrant: code already running under the lock must not acquire
// it again.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release releases a lock obtained with Acquire.
func (l *Lock) Release() {
	l.sem.Release(1)
}

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
