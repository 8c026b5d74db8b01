// Package sampledir implements the content-addressed filesystem tree
// that holds raw sample data: one file per recording, named by the
// hex composite id, plus a small fsynced metadata file recording the
// last fully-completed database open.
package sampledir

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Dir owns one sample-file directory. Its core capability set is
// create, open_ro, unlink and sync_directory; it also offers Stat, List,
// the meta file, a watchdog and CopyInto.
type Dir struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

const metaFileName = "meta"

// Open opens (creating if necessary) the sample-file directory rooted
// at path.
func Open(path string, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "sampledir: mkdir %s", path)
	}
	d := &Dir{path: path, logger: logger}
	return d, nil
}

// Path returns the directory's filesystem root.
func (d *Dir) Path() string { return d.path }

func (d *Dir) filePath(compositeID uint64) string {
	return filepath.Join(d.path, fmt.Sprintf("%016x", compositeID))
}

// Create creates a new, zero-length, writable sample file for the given
// composite id. The caller must Sync then Close it, and call
// SyncDirectory afterward, before referencing the file in a commit.
func (d *Dir) Create(compositeID uint64) (*os.File, error) {
	f, err := os.OpenFile(d.filePath(compositeID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "sampledir: create %016x", compositeID)
	}
	return f, nil
}

// OpenRO opens an existing sample file for reading. ENOENT is returned
// unwrapped so callers can errors.Is(err, os.ErrNotExist).
func (d *Dir) OpenRO(compositeID uint64) (*os.File, error) {
	f, err := os.Open(d.filePath(compositeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "sampledir: open_ro %016x", compositeID)
	}
	return f, nil
}

// Unlink removes a sample file. A missing file is not an error: Unlink
// is always safe to retry, matching the garbage-collection reconciler's
// need to unlink idempotently after a crash.
func (d *Dir) Unlink(compositeID uint64) error {
	err := os.Remove(d.filePath(compositeID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "sampledir: unlink %016x", compositeID)
	}
	return nil
}

// Stat returns the on-disk size of a sample file, used by the startup
// reconciler to detect torn files (size < recording.sample_file_bytes).
func (d *Dir) Stat(compositeID uint64) (int64, error) {
	fi, err := os.Stat(d.filePath(compositeID))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// List returns the composite ids of every file present in the
// directory (excluding the meta file), used by startup recovery to find
// uncommitted and orphaned sample files.
func (d *Dir) List() ([]uint64, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.Wrap(err, "sampledir: readdir")
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == metaFileName {
			continue
		}
		raw, err := hex.DecodeString(e.Name())
		if err != nil || len(raw) != 8 {
			d.logger.Warn("sampledir: ignoring unrecognized entry", "name", e.Name())
			continue
		}
		var id uint64
		for _, b := range raw {
			id = id<<8 | uint64(b)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SyncDirectory fsyncs the directory inode itself. Required after
// Create (before the commit that references the new file) and after
// Unlink (before the commit that forgets it).
func (d *Dir) SyncDirectory() error {
	f, err := os.Open(d.path)
	if err != nil {
		return errors.Wrap(err, "sampledir: open for fsync")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sampledir: fsync directory")
	}
	return nil
}

// LastCompleteOpen reads the persisted last-complete-open uuid from the
// meta file. A missing meta file (fresh directory) returns the zero
// uuid and no error.
func (d *Dir) LastCompleteOpen() (uuid.UUID, error) {
	b, err := os.ReadFile(filepath.Join(d.path, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return uuid.UUID{}, nil
		}
		return uuid.UUID{}, errors.Wrap(err, "sampledir: read meta")
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, errors.Wrap(err, "sampledir: parse meta uuid")
	}
	return id, nil
}

// SetLastCompleteOpen durably records that id is the last open whose
// shutdown was clean. Called once at the end of a clean shutdown, after
// the open row's end_time_90k has been committed.
func (d *Dir) SetLastCompleteOpen(id uuid.UUID) error {
	tmp := filepath.Join(d.path, metaFileName+".tmp")
	if err := os.WriteFile(tmp, id[:], 0o644); err != nil {
		return errors.Wrap(err, "sampledir: write meta tmp")
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "sampledir: reopen meta tmp")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sampledir: fsync meta tmp")
	}
	f.Close()
	if err := os.Rename(tmp, filepath.Join(d.path, metaFileName)); err != nil {
		return errors.Wrap(err, "sampledir: rename meta tmp")
	}
	return d.SyncDirectory()
}

// Watch starts an fsnotify watchdog on the directory, logging a warning
// whenever a sample file (not the meta file) is created or removed. It
// does not tell this process's own Create/Unlink calls apart from
// outside changes, and it only logs. The returned stop function must be
// called to release the watcher.
func (d *Dir) Watch() (stop func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher != nil {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "sampledir: new watcher")
	}
	if err := w.Add(d.path); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "sampledir: watch")
	}
	d.watcher = w

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == metaFileName {
					continue
				}
				switch {
				case ev.Has(fsnotify.Remove):
					d.logger.Warn("sampledir: unexpected file removal", "path", ev.Name)
				case ev.Has(fsnotify.Create):
					d.logger.Warn("sampledir: unexpected file creation", "path", ev.Name)
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Error("sampledir: watcher error", "error", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
		d.mu.Lock()
		d.watcher = nil
		d.mu.Unlock()
	}, nil
}

// CopyInto streams src into the directory's file for compositeID, for
// tests and tools that need to materialize a recording outside of the
// normal Writer path. It performs the full durability sequence: write,
// fsync file, fsync directory.
func (d *Dir) CopyInto(compositeID uint64, src io.Reader) (int64, error) {
	f, err := d.Create(compositeID)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		return n, errors.Wrap(err, "sampledir: copy")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, errors.Wrap(err, "sampledir: fsync")
	}
	if err := f.Close(); err != nil {
		return n, errors.Wrap(err, "sampledir: close")
	}
	if err := d.SyncDirectory(); err != nil {
		return n, err
	}
	return n, nil
}

var errExist = errors.New("sampledir: already exists")

// ErrExist is returned by higher layers wrapping Create's os.ErrExist.
func ErrExist() error { return errExist }
