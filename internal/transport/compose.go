package transport

import (
	"context"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/block/telespool/internal/logging"
)

// New composes the transport described by options around inner.
//
// With no cache directory configured, inner is returned unchanged and every
// send goes straight to the wire. Otherwise inner is wrapped in a Caching
// transport, and envelopes left over from previous sessions are flushed under
// options.FlushTimeout before New returns. A flush that times out or fails is
// logged and does not prevent construction: the worker keeps draining in the
// background regardless.
func New(ctx context.Context, inner Sink, options Options) (Sink, error) {
	logger := logging.FromContext(ctx)

	if strings.TrimSpace(options.CacheDir) == "" {
		logger.DebugContext(ctx, "Envelope spooling disabled, sending directly")
		return inner, nil
	}

	caching, err := NewCaching(ctx, inner, options)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if options.FlushTimeout > 0 {
		flushCtx, cancel := context.WithTimeout(ctx, options.FlushTimeout)
		err := caching.Flush(flushCtx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			logger.WarnContext(ctx, "Startup spool flush ran out of time",
				"timeout", options.FlushTimeout, "remaining", caching.QueueDepth())
		default:
			logger.ErrorContext(ctx, "Startup spool flush failed", "error", err)
		}
	}

	return caching, nil
}
