package transport

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/block/telespool/internal/dsn"
	"github.com/block/telespool/internal/envelope"
)

const (
	vendorDir     = "Sentry"
	processingDir = "__processing"
	envelopeExt   = ".envelope"
)

// Spool performs the filesystem operations of the envelope spool. All
// operations are synchronous; mutual exclusion across "list then act"
// sequences is the caller's responsibility.
//
// Ready envelopes live directly under the spool root as
// "<unixSeconds>_<eventID>_<contentHash>.envelope"; envelopes being sent live
// under the "__processing" child. A file is only ever in one of the two.
type Spool struct {
	root string
}

// OpenSpool returns the spool for rawDSN under cacheDir. Nothing is created
// until the first write.
func OpenSpool(cacheDir, rawDSN string) Spool {
	return Spool{root: filepath.Join(cacheDir, vendorDir, dsn.SpoolFolder(rawDSN))}
}

// Root returns the isolated spool root for this DSN.
func (s Spool) Root() string { return s.root }

func (s Spool) processing() string { return filepath.Join(s.root, processingDir) }

// ListReady returns the envelopes awaiting transmission, oldest first.
// Modification time orders the files; names break ties. A missing root is an
// empty spool, not an error.
func (s Spool) ListReady() ([]string, error) {
	return s.list(s.root)
}

// ListProcessing returns the envelopes currently being sent, oldest first.
func (s Spool) ListProcessing() ([]string, error) {
	return s.list(s.processing())
}

// Depth returns the number of ready envelopes. Advisory: the spool may change
// concurrently.
func (s Spool) Depth() int {
	ready, err := s.ListReady()
	if err != nil {
		return 0
	}
	return len(ready)
}

// ReclaimProcessing moves every file under __processing back to the root,
// keeping names, so that envelopes orphaned by a crash mid-send become ready
// again. Running it twice in a row is equivalent to running it once.
func (s Spool) ReclaimProcessing() error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return errors.Errorf("failed to create spool root: %w", err)
	}
	stranded, err := s.ListProcessing()
	if err != nil {
		return errors.WithStack(err)
	}
	for _, path := range stranded {
		target := filepath.Join(s.root, filepath.Base(path))
		if err := os.Rename(path, target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Errorf("failed to reclaim %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// ClaimOldest moves the oldest ready envelope into __processing and returns
// its new path, or "" when the spool is empty. Once claimed, the file is
// owned by the caller until it is deleted or reclaimed on a later startup.
func (s Spool) ClaimOldest() (string, error) {
	ready, err := s.ListReady()
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(ready) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(s.processing(), 0o700); err != nil {
		return "", errors.Errorf("failed to create processing directory: %w", err)
	}
	claimed := filepath.Join(s.processing(), filepath.Base(ready[0]))
	if err := os.Rename(ready[0], claimed); err != nil {
		return "", errors.Errorf("failed to claim %s: %w", filepath.Base(ready[0]), err)
	}
	return claimed, nil
}

// EvictExcess deletes all but the newest keep ready envelopes and returns how
// many were deleted. Files removed concurrently by someone else are tolerated.
func (s Spool) EvictExcess(keep int) (int, error) {
	ready, err := s.ListReady()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if len(ready) <= keep {
		return 0, nil
	}
	evicted := 0
	for _, path := range ready[:len(ready)-keep] {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return evicted, errors.Errorf("failed to evict %s: %w", filepath.Base(path), err)
		}
		evicted++
	}
	return evicted, nil
}

// Store writes env to a new ready file and returns its path. The file is
// complete and synced before Store returns. Two envelopes with the same
// creation second, event id and content hash collide; the second writer
// observes a storage error rather than silently overwriting the first.
func (s Spool) Store(ctx context.Context, env *envelope.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.WithStack(err)
	}
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return "", errors.Errorf("failed to create spool root: %w", err)
	}

	name := fmt.Sprintf("%d_%s_%d%s", time.Now().UTC().Unix(), env.EventID(), env.ContentHash(), envelopeExt)
	path := filepath.Join(s.root, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errors.Errorf("failed to create spool file %s: %w", name, err)
	}
	if _, err := env.WriteTo(f); err != nil {
		return "", errors.Join(errors.Errorf("failed to write %s: %w", name, err), f.Close(), os.Remove(path))
	}
	if err := f.Sync(); err != nil {
		return "", errors.Join(errors.Errorf("failed to sync %s: %w", name, err), f.Close(), os.Remove(path))
	}
	if err := f.Close(); err != nil {
		return "", errors.Join(errors.Errorf("failed to close %s: %w", name, err), os.Remove(path))
	}
	return path, nil
}

// list returns the envelope files directly under dir, oldest first by
// modification time, names breaking ties.
func (s Spool) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("failed to list %s: %w", dir, err)
	}

	type spoolFile struct {
		path  string
		name  string
		mtime time.Time
	}
	files := make([]spoolFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), envelopeExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Deleted between the listing and the stat.
			continue
		}
		files = append(files, spoolFile{
			path:  filepath.Join(dir, entry.Name()),
			name:  entry.Name(),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.Before(files[j].mtime)
		}
		return files[i].name < files[j].name
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
