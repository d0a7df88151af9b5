package btree

import (
	"context"
	"errors"
	"sync"
)

// Lock acquires the tree's exclusive lock, waiting at most
// Options.LockTimeout. The lock is not reentrant. The returned release
// function is idempotent and is meant to be deferred.
func (bt *BTree) Lock(ctx context.Context) (func(), error) {
	if bt.closed.Load() {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, bt.Options.LockTimeout)
	defer cancel()

	if err := bt.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	bt.mu.Lock()
	bt.locked = true
	bt.epoch++
	bt.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(bt.unlock)
	}, nil
}

func (bt *BTree) unlock() {
	bt.mu.Lock()
	bt.locked = false
	bt.epoch++
	bt.mu.Unlock()
	bt.sem.Release(1)
}

// checkLocked must be called with mu held.
func (bt *BTree) checkLocked() error {
	if bt.closed.Load() {
		return ErrClosed
	}
	if !bt.locked {
		return ErrNotLocked
	}
	return nil
}
