// Package retention computes per-stream garbage decisions: it never
// deletes anything itself, since only the Flusher's single write-locked
// transaction is allowed to mutate sqlite (spec.md §6/§7). It instead
// hands Deletion decisions to the Flusher's queue, oldest recording
// first, until the stream is back under quota.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/quietstream/nvr/internal/flusher"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
)

// StreamDir resolves a stream id to the sample_file_dir_id it writes
// into, so deletions can be routed to the right directory for unlink.
type StreamDir interface {
	SampleFileDirID(streamID int32) int32
}

// Enforcer periodically checks every stream's disk usage against its
// quota and against free-space pressure on the underlying filesystem,
// queuing deletions on the Flusher as needed.
type Enforcer struct {
	database  *db.DB
	index     *index.Index
	dirs      StreamDir
	sink      *flusher.Flusher
	logger    *slog.Logger
	mountPath string // filesystem root to watch for free-space pressure

	// MinFreeBytes triggers oldest-first deletion across all streams
	// when the underlying filesystem's free space drops below it,
	// independent of any individual stream's configured quota.
	MinFreeBytes uint64
}

// New constructs an Enforcer. mountPath is the filesystem holding the
// sample directories, used for the gopsutil disk-pressure check.
func New(database *db.DB, idx *index.Index, dirs StreamDir, sink *flusher.Flusher, mountPath string, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{database: database, index: idx, dirs: dirs, sink: sink, mountPath: mountPath, logger: logger, MinFreeBytes: 1 << 30}
}

// Run periodically enforces quotas until ctx is canceled.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.EnforceAll()
		case <-ctx.Done():
			return
		}
	}
}

// EnforceAll runs one pass of per-stream quota enforcement followed by
// a disk-pressure check across all streams sharing the watched mount.
func (e *Enforcer) EnforceAll() {
	streams, err := e.database.ListStreams()
	if err != nil {
		e.logger.Error("retention: list streams", "error", err)
		return
	}
	for _, s := range streams {
		e.enforceQuota(int32(s.ID), s.RetainBytes)
	}
	e.enforceDiskPressure(streams)
}

// enforceQuota deletes the oldest committed recordings of one stream
// until its total bytes is at or under retainBytes.
func (e *Enforcer) enforceQuota(streamID int32, retainBytes int64) {
	si := e.index.Stream(streamID)
	for si.TotalBytes() > retainBytes {
		all := si.All()
		if len(all) == 0 {
			return
		}
		oldest := all[0]
		e.sink.EnqueueDeletion(flusher.Deletion{
			StreamID:        streamID,
			SampleFileDirID: e.dirs.SampleFileDirID(streamID),
			Recording:       oldest,
		})
		// Optimistically remove from the local view so this loop doesn't
		// requeue the same recording before the next flush round applies
		// it; the Flusher performs the authoritative removal on commit.
		si.Remove(oldest.ID)
	}
}

// enforceDiskPressure deletes the globally oldest recording, across
// every stream sharing the watched mount, when free space drops below
// MinFreeBytes. It repeats one deletion per call rather than draining
// to a target, so normal per-stream quotas stay the primary mechanism
// and this only relieves acute pressure.
func (e *Enforcer) enforceDiskPressure(streams []db.StreamRow) {
	if e.mountPath == "" {
		return
	}
	usage, err := disk.Usage(e.mountPath)
	if err != nil {
		e.logger.Error("retention: disk usage", "error", err)
		return
	}
	if usage.Free >= e.MinFreeBytes {
		return
	}

	var victimStream int32
	var victimID int64
	var victimStart int64
	found := false
	for _, s := range streams {
		all := e.index.Stream(int32(s.ID)).All()
		if len(all) == 0 {
			continue
		}
		r := all[0]
		if !found || r.StartTime90k < victimStart {
			victimStream = int32(s.ID)
			victimID = int64(r.ID)
			victimStart = r.StartTime90k
			found = true
		}
	}
	if !found {
		return
	}

	si := e.index.Stream(victimStream)
	for _, r := range si.All() {
		if int64(r.ID) == victimID {
			e.logger.Warn("retention: disk pressure eviction", "stream", victimStream, "recording", r.ID, "free_bytes", usage.Free)
			e.sink.EnqueueDeletion(flusher.Deletion{
				StreamID:        victimStream,
				SampleFileDirID: e.dirs.SampleFileDirID(victimStream),
				Recording:       r,
			})
			si.Remove(r.ID)
			return
		}
	}
}
