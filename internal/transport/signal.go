package transport

import (
	"context"
	"sync"

	"github.com/alecthomas/errors"
)

// signal is a single-slot, edge-triggered notification from producers to the
// spool worker. Release sets a bit; Wait consumes it. Releasing an already
// released signal is a no-op, so a release racing a wait in progress is never
// lost and never counted twice.
//
// Safe for any number of releasers and a single waiter.
type signal struct {
	notify  chan struct{}
	done    chan struct{}
	dispose sync.Once
}

// newSignal returns a signal, optionally already released so that the first
// Wait returns immediately.
func newSignal(released bool) *signal {
	s := &signal{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if released {
		s.notify <- struct{}{}
	}
	return s
}

// Release the signal. Never blocks.
func (s *signal) Release() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is released, consuming the release and
// rearming the signal before returning.
func (s *signal) Wait(ctx context.Context) error {
	select {
	case <-s.notify:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-s.done:
		return errors.WithStack(context.Canceled)
	}
}

// Dispose wakes any pending Wait with a cancellation. Idempotent.
func (s *signal) Dispose() {
	s.dispose.Do(func() { close(s.done) })
}
