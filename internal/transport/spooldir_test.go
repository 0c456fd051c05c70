package transport_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/block/telespool/internal/envelope"
	"github.com/block/telespool/internal/transport"
)

var spoolFileName = regexp.MustCompile(`^\d+_[0-9a-f]*_\d+\.envelope$`)

func testEnvelope(eventID, message string) *envelope.Envelope {
	return envelope.New(eventID, envelope.NewItem("event", []byte(`{"message":"`+message+`"}`)))
}

func TestSpoolRootIsolation(t *testing.T) {
	dir := t.TempDir()

	a := transport.OpenSpool(dir, "https://key@host.example.com/1")
	b := transport.OpenSpool(dir, "https://key@host.example.com/2")
	none := transport.OpenSpool(dir, "")

	assert.NotEqual(t, a.Root(), b.Root())
	assert.Equal(t, filepath.Join(dir, "Sentry"), filepath.Dir(a.Root()))
	assert.Equal(t, filepath.Join(dir, "Sentry", "no-dsn"), none.Root())
}

func TestStoreNamingAndContent(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")
	env := testEnvelope(envelope.NewEventID(), "hello")

	before := time.Now().UTC().Unix()
	path, err := spool.Store(t.Context(), env)
	assert.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, spoolFileName.MatchString(name), "unexpected spool file name %q", name)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, env.Bytes(), data)

	// The name's first field is the creation time in whole UTC seconds.
	seconds, err := strconv.ParseInt(strings.SplitN(name, "_", 2)[0], 10, 64)
	assert.NoError(t, err)
	assert.True(t, seconds >= before && seconds <= time.Now().UTC().Unix())
}

func TestStoreWithoutEventID(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	path, err := spool.Store(t.Context(), testEnvelope("", "anonymous"))
	assert.NoError(t, err)
	assert.True(t, spoolFileName.MatchString(filepath.Base(path)))
}

func TestStoreCollisionFails(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")
	env := testEnvelope("deadbeefdeadbeefdeadbeefdeadbeef", "same")

	_, err := spool.Store(t.Context(), env)
	assert.NoError(t, err)

	// The same envelope in the same second maps to the same name; the second
	// writer must fail rather than overwrite.
	_, err = spool.Store(t.Context(), env)
	if err == nil {
		// The writes straddled a second boundary; the next one cannot.
		_, err = spool.Store(t.Context(), env)
	}
	assert.IsError(t, err, os.ErrExist)
}

func TestStoreCancelled(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := spool.Store(ctx, testEnvelope("", "late"))
	assert.IsError(t, err, context.Canceled)
}

func TestListReadyOrdering(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	var paths []string
	for i, message := range []string{"first", "second", "third"} {
		path, err := spool.Store(t.Context(), testEnvelope("", message))
		assert.NoError(t, err)
		// Space the files out so modification time orders them.
		assert.NoError(t, os.Chtimes(path, time.Time{}, time.Now().Add(time.Duration(i)*time.Second)))
		paths = append(paths, path)
	}

	ready, err := spool.ListReady()
	assert.NoError(t, err)
	assert.Equal(t, paths, ready)
}

func TestListReadyMissingRoot(t *testing.T) {
	spool := transport.OpenSpool(filepath.Join(t.TempDir(), "never-created"), "")

	ready, err := spool.ListReady()
	assert.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, 0, spool.Depth())
}

func TestListIgnoresForeignFiles(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	_, err := spool.Store(t.Context(), testEnvelope("", "real"))
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(filepath.Join(spool.Root(), "reports.db"), []byte("not an envelope"), 0o600))

	ready, err := spool.ListReady()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(ready))
}

func TestClaimOldest(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	first, err := spool.Store(t.Context(), testEnvelope("", "first"))
	assert.NoError(t, err)
	assert.NoError(t, os.Chtimes(first, time.Time{}, time.Now().Add(-time.Minute)))
	_, err = spool.Store(t.Context(), testEnvelope("", "second"))
	assert.NoError(t, err)

	claimed, err := spool.ClaimOldest()
	assert.NoError(t, err)
	assert.Equal(t, filepath.Base(first), filepath.Base(claimed))
	assert.Equal(t, filepath.Join(spool.Root(), "__processing"), filepath.Dir(claimed))

	// The claimed file left the ready set.
	assert.Equal(t, 1, spool.Depth())

	_, err = os.Stat(first)
	assert.IsError(t, err, os.ErrNotExist)
}

func TestClaimOldestEmpty(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	claimed, err := spool.ClaimOldest()
	assert.NoError(t, err)
	assert.Equal(t, "", claimed)
}

func TestReclaimProcessing(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	_, err := spool.Store(t.Context(), testEnvelope("", "stranded"))
	assert.NoError(t, err)
	claimed, err := spool.ClaimOldest()
	assert.NoError(t, err)
	assert.NotZero(t, claimed)

	assert.NoError(t, spool.ReclaimProcessing())
	// Idempotent: a second pass changes nothing.
	assert.NoError(t, spool.ReclaimProcessing())

	ready, err := spool.ListReady()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(ready))
	assert.Equal(t, filepath.Base(claimed), filepath.Base(ready[0]))

	processing, err := spool.ListProcessing()
	assert.NoError(t, err)
	assert.Zero(t, processing)
}

func TestEvictExcessKeepsNewest(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	var paths []string
	for i := range 5 {
		path, err := spool.Store(t.Context(), testEnvelope("", string(rune('a'+i))))
		assert.NoError(t, err)
		assert.NoError(t, os.Chtimes(path, time.Time{}, time.Now().Add(time.Duration(i)*time.Second)))
		paths = append(paths, path)
	}

	evicted, err := spool.EvictExcess(2)
	assert.NoError(t, err)
	assert.Equal(t, 3, evicted)

	ready, err := spool.ListReady()
	assert.NoError(t, err)
	assert.Equal(t, paths[3:], ready)
}

func TestEvictExcessZeroKeepsNothing(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	_, err := spool.Store(t.Context(), testEnvelope("", "doomed"))
	assert.NoError(t, err)

	evicted, err := spool.EvictExcess(0)
	assert.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, spool.Depth())
}

func TestEvictExcessUnderLimit(t *testing.T) {
	spool := transport.OpenSpool(t.TempDir(), "")

	_, err := spool.Store(t.Context(), testEnvelope("", "kept"))
	assert.NoError(t, err)

	evicted, err := spool.EvictExcess(5)
	assert.NoError(t, err)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, spool.Depth())
}
