// Package reports persists counters of envelopes telespool gave up on, so
// that telemetry loss remains observable across process restarts.
package reports

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

// Discard reasons, matching the client-report vocabulary of the upstream
// ingestion protocol.
const (
	ReasonCacheOverflow = "cache_overflow"
	ReasonSendError     = "send_error"
	ReasonRateLimit     = "ratelimit_backoff"
	ReasonInvalid       = "invalid"
)

var discardedBucketName = []byte("discarded")

// Recorder accumulates discard counters in a bbolt database, typically stored
// beside the envelope spool. A nil Recorder is valid and records nothing.
type Recorder struct {
	logger *slog.Logger
	db     *bbolt.DB
}

// Open the recorder database at path, creating it if necessary.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Errorf("failed to open report database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(discardedBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create report bucket: %w", err), db.Close())
	}

	return &Recorder{logger: logger, db: db}, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return errors.WithStack(r.db.Close())
}

// Record adds n to the counter for reason. Failures are logged, not returned;
// report accounting must never fail the transport.
func (r *Recorder) Record(reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(discardedBucketName)
		count := uint64(n)
		if existing := bucket.Get([]byte(reason)); len(existing) == 8 {
			count += binary.BigEndian.Uint64(existing)
		}
		var value [8]byte
		binary.BigEndian.PutUint64(value[:], count)
		return errors.WithStack(bucket.Put([]byte(reason), value[:]))
	})
	if err != nil {
		r.logger.Error("Failed to record discarded envelopes", "reason", reason, "error", err)
	}
}

// Snapshot returns the current counters keyed by reason.
func (r *Recorder) Snapshot() (map[string]uint64, error) {
	if r == nil {
		return nil, nil
	}
	counts := map[string]uint64{}
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(discardedBucketName).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				counts[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	return counts, errors.WithStack(err)
}

// The methods below satisfy the transport's Monitor interface.

func (r *Recorder) EnvelopeStored() {}
func (r *Recorder) EnvelopeSent()   {}

func (r *Recorder) EnvelopeEvicted(count int) {
	r.Record(ReasonCacheOverflow, count)
}

func (r *Recorder) EnvelopeDiscarded(reason string) {
	r.Record(reason, 1)
}
