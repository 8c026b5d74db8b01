// Package flusher implements the single batched-commit path: the one
// goroutine holding the SQL write lock, draining Writers' sealed
// recordings and Retention's deletion decisions into one transaction
// per round (spec.md §6). Once the engine is running, recording and
// garbage rows are written only here.
package flusher

import (
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/writer"
)

// Deletion is one Retention decision: a recording to drop, resolved to
// the sample-file directory it lives in so the eventual unlink knows
// where to look.
type Deletion struct {
	StreamID        int32
	SampleFileDirID int32
	Recording       model.Recording
}

// Flusher batches Writer commits and Retention deletions into periodic
// transactions, then unlinks garbage files once their deleting
// transaction is durable.
type Flusher struct {
	database *db.DB
	index    *index.Index
	dirs     map[int32]*sampledir.Dir // by sample_file_dir_id
	logger   *slog.Logger

	mu        sync.Mutex
	pending   []pendingInsert
	deletions []Deletion
}

type pendingInsert struct {
	streamID int32
	sealed   writer.Sealed
}

// New constructs a Flusher. dirs maps sample_file_dir_id to the
// sampledir.Dir instance for unlinking garbage after commit.
func New(database *db.DB, idx *index.Index, dirs map[int32]*sampledir.Dir, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{database: database, index: idx, dirs: dirs, logger: logger}
}

// Enqueue implements writer.Sink: a Writer calls this from its own
// goroutine whenever it seals a recording. The actual commit happens on
// the Flusher's own schedule, not synchronously.
func (f *Flusher) Enqueue(streamID int32, s writer.Sealed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, pendingInsert{streamID: streamID, sealed: s})
}

// EnqueueDeletion records a Retention decision to be applied on the
// next flush round.
func (f *Flusher) EnqueueDeletion(d Deletion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletions = append(f.deletions, d)
}

// Run drives periodic flush rounds until ctx's stop channel fires.
func (f *Flusher) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.FlushOnce(); err != nil {
				// A failed commit leaves durability in doubt: abort the
				// process rather than keep recording on top of it.
				f.logger.Error("flusher: round failed, exiting", "error", err)
				os.Exit(1)
			}
		case <-stop:
			// drain one last time so a clean shutdown never leaves sealed
			// recordings unflushed.
			if err := f.FlushOnce(); err != nil {
				f.logger.Error("flusher: final round failed", "error", err)
			}
			return
		}
	}
}

// FlushOnce runs exactly one batched transaction covering every insert
// and deletion queued since the last round, then performs the unlinks
// that deletion's commit made safe.
func (f *Flusher) FlushOnce() error {
	f.mu.Lock()
	inserts := f.pending
	dels := f.deletions
	f.pending = nil
	f.deletions = nil
	f.mu.Unlock()

	if len(inserts) == 0 && len(dels) == 0 {
		return nil
	}

	err := f.database.WithTx(func(tx *sql.Tx) error {
		streamRecordingDelta := map[int32]int64{}
		streamMediaDelta := map[int32]model.Clock90k{}

		for _, ins := range inserts {
			rec := ins.sealed.Recording
			if err := f.database.InsertRecording(tx, rec, ins.sealed.VideoIndex, ins.sealed.Integrity); err != nil {
				return err
			}
			streamRecordingDelta[ins.streamID]++
			streamMediaDelta[ins.streamID] += rec.MediaDuration90k()
		}
		for sid, n := range streamRecordingDelta {
			if err := f.database.AdvanceStreamCounters(tx, int64(sid), n, streamMediaDelta[sid], 0); err != nil {
				return err
			}
		}

		for _, d := range dels {
			if err := f.database.MarkGarbage(tx, d.SampleFileDirID, d.Recording.ID); err != nil {
				return err
			}
			if err := f.database.DeleteRecording(tx, d.Recording.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Put everything back so the next round retries; the in-memory
		// index was never touched for these, so it stays consistent.
		f.mu.Lock()
		f.pending = append(inserts, f.pending...)
		f.deletions = append(dels, f.deletions...)
		f.mu.Unlock()
		return errors.Wrap(err, "flusher: commit round")
	}

	for _, d := range dels {
		f.index.Stream(d.StreamID).Remove(d.Recording.ID)
		f.unlink(d)
	}
	return nil
}

// unlink removes a garbage-marked sample file from disk and, once that
// succeeds, removes its garbage row — the second half of the
// unlink-after-commit ordering invariant. A failed unlink leaves the
// garbage row in place for the next startup reconciliation to retry.
func (f *Flusher) unlink(d Deletion) {
	dir, ok := f.dirs[d.SampleFileDirID]
	if !ok {
		f.logger.Error("flusher: unknown sample_file_dir_id", "id", d.SampleFileDirID)
		return
	}
	if err := dir.Unlink(uint64(d.Recording.ID)); err != nil {
		f.logger.Error("flusher: unlink failed, garbage row retained", "id", d.Recording.ID, "error", err)
		return
	}
	if err := dir.SyncDirectory(); err != nil {
		f.logger.Error("flusher: sync directory after unlink failed", "error", err)
		return
	}
	if err := f.database.UnmarkGarbage(d.SampleFileDirID, d.Recording.ID); err != nil {
		f.logger.Error("flusher: unmark garbage failed", "id", d.Recording.ID, "error", err)
	}
}
