// Package transport moves telemetry envelopes to their destination.
//
// The centrepiece is the Caching transport: a durable outbound spool that
// persists every envelope to disk before acknowledging the producer, and
// forwards spooled envelopes to an inner sink from a single background
// worker. The HTTP and S3 types are inner sinks; New composes a transport
// from options.
package transport

import (
	"context"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/telespool/internal/envelope"
)

// A Sink delivers one envelope to its destination.
//
// Sinks that also implement io.Closer are closed when the transport that owns
// them is closed.
type Sink interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

var (
	// ErrInvalidConfig is returned when transport options cannot produce a
	// working transport.
	ErrInvalidConfig = errors.New("invalid transport configuration")
	// ErrNetworkUnreachable marks a send failure whose underlying cause is a
	// socket-level failure. It is transient: the envelope stays on disk and
	// is retried after the next process start.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrRateLimited marks an envelope rejected because the upstream is
	// currently rate limiting it. It is permanent for that envelope.
	ErrRateLimited = errors.New("rate limited by upstream")
)

// Options configures the composed transport.
type Options struct {
	DSN           string        `hcl:"dsn,optional" help:"DSN identifying the remote ingestion endpoint."`
	CacheDir      string        `hcl:"cache-dir,optional" help:"Directory for the envelope spool. Empty disables spooling."`
	MaxQueueItems int           `hcl:"max-queue-items,optional" help:"Maximum number of envelopes kept in the spool." default:"30"`
	FlushTimeout  time.Duration `hcl:"flush-timeout,optional" help:"Time budget for flushing leftover envelopes at startup. Zero disables the startup flush."`

	// Monitors observe spool lifecycle events. They must be safe for
	// concurrent use.
	Monitors []Monitor `hcl:"-" kong:"-"`
}

// Monitor observes spool lifecycle events.
type Monitor interface {
	// EnvelopeStored is called after an envelope reaches stable storage.
	EnvelopeStored()
	// EnvelopeSent is called after the inner sink accepted an envelope.
	EnvelopeSent()
	// EnvelopeEvicted is called with the number of envelopes dropped to make
	// room for a newer one.
	EnvelopeEvicted(count int)
	// EnvelopeDiscarded is called when an envelope is dropped for the given
	// reason: a permanent send failure or an undecodable spool file.
	EnvelopeDiscarded(reason string)
}

// monitors fans events out to zero or more Monitor implementations.
type monitors []Monitor

func (m monitors) stored() {
	for _, monitor := range m {
		monitor.EnvelopeStored()
	}
}

func (m monitors) sent() {
	for _, monitor := range m {
		monitor.EnvelopeSent()
	}
}

func (m monitors) evicted(count int) {
	for _, monitor := range m {
		monitor.EnvelopeEvicted(count)
	}
}

func (m monitors) discarded(reason string) {
	for _, monitor := range m {
		monitor.EnvelopeDiscarded(reason)
	}
}
