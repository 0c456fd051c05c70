package transport

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/logging"
	"github.com/block/telespool/internal/reports"
)

// retryBackoff is how long the worker pauses after a failed drain pass.
const retryBackoff = 500 * time.Millisecond

// Caching is a durable envelope spool in front of an inner sink.
//
// Send persists the envelope to disk and returns as soon as it is on stable
// storage; producers never wait on, or hear about, network I/O. A single
// background worker drains the spool through the inner sink, oldest envelope
// first. Capacity is bounded: before each write the ready set is trimmed to
// make room, dropping the oldest envelopes first, because the newest
// telemetry is the most valuable near a crash.
//
// Envelopes that were mid-send when the process died are recovered on the
// next construction over the same cache directory.
type Caching struct {
	logger   *slog.Logger
	inner    Sink
	spool    Spool
	lock     *dirLock
	signal   *signal
	maxItems int
	monitors monitors

	stop       context.CancelFunc
	workerDone chan struct{}
	closeOnce  sync.Once
}

var _ Sink = (*Caching)(nil)

// NewCaching builds a caching transport around inner.
//
// options.CacheDir MUST be set. Construction recovers envelopes stranded in
// the processing directory by a previous crash and starts the background
// worker pre-signalled, so leftovers are sent even if no new envelope ever
// arrives.
func NewCaching(ctx context.Context, inner Sink, options Options) (*Caching, error) {
	if strings.TrimSpace(options.CacheDir) == "" {
		return nil, errors.Errorf("%w: cache directory is required", ErrInvalidConfig)
	}
	if err := kong.ApplyDefaults(&options); err != nil {
		return nil, errors.Errorf("failed to apply defaults: %w", err)
	}

	spool := OpenSpool(options.CacheDir, options.DSN)
	if err := spool.ReclaimProcessing(); err != nil {
		return nil, errors.Errorf("failed to recover spool: %w", err)
	}

	logger := logging.FromContext(ctx)
	ctx, stop := context.WithCancel(ctx)

	t := &Caching{
		logger:     logger,
		inner:      inner,
		spool:      spool,
		lock:       newDirLock(),
		signal:     newSignal(true),
		maxItems:   options.MaxQueueItems,
		monitors:   monitors(options.Monitors),
		stop:       stop,
		workerDone: make(chan struct{}),
	}

	logger.DebugContext(ctx, "Envelope spool ready",
		"root", spool.Root(),
		"depth", spool.Depth(),
		"max-queue-items", t.maxItems)

	go t.worker(ctx)

	return t, nil
}

// Send makes env durable and schedules it for transmission. It returns once
// the envelope is on stable storage and never blocks on network I/O.
//
// If the spool is full, the oldest envelopes are evicted first to make room.
func (t *Caching) Send(ctx context.Context, env *envelope.Envelope) error {
	claim, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}

	keep := t.maxItems - 1
	if keep < 0 {
		keep = 0
	}
	evicted, err := t.spool.EvictExcess(keep)
	if err != nil {
		claim.Release()
		return errors.Wrap(err, "failed to make room in spool")
	}
	if evicted > 0 {
		t.logger.DebugContext(ctx, "Evicted spooled envelopes to make room", "count", evicted)
		t.monitors.evicted(evicted)
	}

	path, err := t.spool.Store(ctx, env)
	claim.Release()
	if err != nil {
		return errors.Wrap(err, "failed to spool envelope")
	}

	t.monitors.stored()
	t.logger.DebugContext(ctx, "Spooled envelope", "file", filepath.Base(path))
	t.signal.Release()
	return nil
}

// Flush drains every envelope currently on disk through the inner sink,
// synchronously. It may run concurrently with the worker: claiming moves each
// file out of the ready set under the lock, so the two never double-send.
// Envelopes spooled after Flush starts may be included.
func (t *Caching) Flush(ctx context.Context) error {
	return errors.Wrap(t.drain(ctx), "flush")
}

// QueueDepth returns the number of envelopes awaiting transmission. Advisory
// and possibly stale by the time it returns.
func (t *Caching) QueueDepth() int {
	return t.spool.Depth()
}

// Close stops the background worker, waits for it to exit, and closes the
// inner sink if it is closeable. Close never fails; cleanup errors are logged
// and swallowed. Idempotent.
func (t *Caching) Close() error {
	t.closeOnce.Do(func() {
		t.stop()
		<-t.workerDone
		t.signal.Dispose()

		if closer, ok := t.inner.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				t.logger.Error("Failed to close inner sink", "error", err)
			}
		}
	})
	return nil
}

// worker waits for the signal and drains the spool, backing off briefly after
// failures so a broken disk or unreachable network does not spin the loop.
func (t *Caching) worker(ctx context.Context) {
	defer close(t.workerDone)
	for {
		if err := t.signal.Wait(ctx); err != nil {
			return
		}
		if err := t.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.ErrorContext(ctx, "Spool drain failed", "error", err)
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

// drain claims and delivers ready envelopes, oldest first, until the spool is
// empty or an error aborts the pass.
func (t *Caching) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		claim, err := t.lock.Acquire(ctx)
		if err != nil {
			return err
		}
		path, err := t.spool.ClaimOldest()
		claim.Release()
		if err != nil {
			return errors.Wrap(err, "failed to claim envelope")
		}
		if path == "" {
			return nil
		}

		if err := t.deliver(ctx, path); err != nil {
			return err
		}
	}
}

// deliver sends one claimed envelope and disposes of its processing file.
//
// Cancellation and socket-level network failures abort the pass and leave the
// file in the processing directory; it is reclaimed into the ready set by the
// next construction over the same cache directory, not retried in-process.
// Every other failure is permanent: the envelope is logged and dropped, and
// the pass continues.
func (t *Caching) deliver(ctx context.Context, path string) error {
	file := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return errors.Errorf("failed to open claimed envelope %s: %w", file, err)
	}
	env, perr := envelope.Parse(f)
	// Release the handle before any further operation on the file.
	_ = f.Close()

	if perr != nil {
		t.logger.ErrorContext(ctx, "Discarding undecodable envelope", "file", file, "error", perr)
		t.monitors.discarded(reports.ReasonInvalid)
		return errors.Wrapf(os.Remove(path), "failed to remove %s", file)
	}

	if err := t.inner.Send(ctx, env); err != nil {
		switch {
		case ctx.Err() != nil,
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return errors.WithStack(err)
		case errors.Is(err, ErrNetworkUnreachable):
			return errors.WithStack(err)
		}

		reason := reports.ReasonSendError
		if errors.Is(err, ErrRateLimited) {
			reason = reports.ReasonRateLimit
		}
		t.logger.ErrorContext(ctx, "Discarding envelope after permanent send failure",
			"file", file, "error", err)
		t.monitors.discarded(reason)
		return errors.Wrapf(os.Remove(path), "failed to remove %s", file)
	}

	t.monitors.sent()
	t.logger.DebugContext(ctx, "Sent envelope", "file", file)
	return errors.Wrapf(os.Remove(path), "failed to remove %s", file)
}
