package transport

import (
	"context"
	"sync"

	"github.com/alecthomas/errors"
)

// dirLock serialises mutations of the spool directory. Acquisition is
// cancellable; fairness between waiters is not guaranteed.
type dirLock struct {
	slot chan struct{}
}

func newDirLock() *dirLock {
	return &dirLock{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held or ctx fires.
func (l *dirLock) Acquire(ctx context.Context) (*claim, error) {
	select {
	case l.slot <- struct{}{}:
		return &claim{lock: l}, nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// claim represents a held lock. Release is idempotent, so releasing on both
// an error path and a deferred cleanup path is safe.
type claim struct {
	lock *dirLock
	once sync.Once
}

func (c *claim) Release() {
	c.once.Do(func() { <-c.lock.slot })
}
