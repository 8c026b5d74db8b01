package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/sampledir"
)

// recoverSampleFileDirs implements the startup reconciliation pass of
// spec.md §7: first retry any garbage unlinks a prior crash left
// pending, then classify every remaining file a directory scan turns
// up that a committed recording row doesn't already vouch for.
func recoverSampleFileDirs(database *db.DB, dirRows []db.SampleFileDirRow, dirs map[int32]*sampledir.Dir, streams []db.StreamRow, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cumRecordingsByStream := make(map[int32]int64, len(streams))
	for _, s := range streams {
		cumRecordingsByStream[int32(s.ID)] = s.CumRecordings
	}

	for _, row := range dirRows {
		dirID := int32(row.ID)
		dir, ok := dirs[dirID]
		if !ok {
			continue
		}

		if err := retryGarbage(database, dirID, dir, logger); err != nil {
			return err
		}

		ids, err := dir.List()
		if err != nil {
			return errors.Wrapf(err, "engine: list sample_file_dir %d", dirID)
		}

		for _, raw := range ids {
			id := model.CompositeID(raw)
			if err := reconcileFile(database, dir, dirID, id, cumRecordingsByStream, logger); err != nil {
				return err
			}
		}

		if err := dir.SyncDirectory(); err != nil {
			return err
		}
	}
	return nil
}

// retryGarbage unlinks every sample file still listed in the garbage
// table for dirID: the Flusher normally does this immediately after
// its deleting transaction commits, so a surviving row means the
// process crashed between that commit and the unlink.
func retryGarbage(database *db.DB, dirID int32, dir *sampledir.Dir, logger *slog.Logger) error {
	garbage, err := database.ListGarbage(dirID)
	if err != nil {
		return err
	}
	for _, g := range garbage {
		if err := dir.Unlink(uint64(g.ID)); err != nil {
			logger.Error("engine: retry unlink garbage failed, leaving row for next attempt", "id", g.ID, "error", err)
			continue
		}
		if err := database.UnmarkGarbage(dirID, g.ID); err != nil {
			logger.Error("engine: unmark garbage failed", "id", g.ID, "error", err)
		}
	}
	return dir.SyncDirectory()
}

// reconcileFile classifies one on-disk sample file against the
// metadata store, per spec.md §7:
//
//   - a committed recording row whose file is shorter than its recorded
//     sample_file_bytes is torn: move the row to garbage so the next
//     unlink pass removes the file and forget it.
//   - no recording row and composite_id >= the stream's cum_recordings
//     is an uncommitted file from a run that never reached a flush
//     before the crash: unlink it directly, nothing ever referenced it.
//   - no recording row and composite_id < cum_recordings is an orphan
//     outside any expected state: quarantine it rather than delete, so
//     an operator can inspect how it got there.
func reconcileFile(database *db.DB, dir *sampledir.Dir, dirID int32, id model.CompositeID, cumRecordingsByStream map[int32]int64, logger *slog.Logger) error {
	rec, err := database.GetRecording(id)
	if err == nil {
		return checkTorn(database, dir, dirID, id, rec, logger)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(err, "engine: get recording %s during recovery", id)
	}

	streamID := id.StreamID()
	cumRecordings, known := cumRecordingsByStream[streamID]
	if !known {
		logger.Warn("engine: sample file belongs to unregistered stream, quarantining", "id", id, "stream", streamID)
		return quarantine(dir, id, logger)
	}

	if id.Sequence() >= uint32(cumRecordings) {
		logger.Info("engine: unlinking uncommitted sample file from unclean shutdown", "id", id)
		if err := dir.Unlink(uint64(id)); err != nil {
			return errors.Wrapf(err, "engine: unlink uncommitted %s", id)
		}
		return nil
	}

	logger.Warn("engine: orphan sample file below cum_recordings, quarantining", "id", id)
	return quarantine(dir, id, logger)
}

func checkTorn(database *db.DB, dir *sampledir.Dir, dirID int32, id model.CompositeID, rec model.Recording, logger *slog.Logger) error {
	size, err := dir.Stat(uint64(id))
	if err != nil {
		return errors.Wrapf(err, "engine: stat %s", id)
	}
	if size >= rec.SampleFileBytes {
		return nil
	}

	logger.Warn("engine: torn sample file, moving recording to garbage", "id", id, "on_disk_bytes", size, "recorded_bytes", rec.SampleFileBytes)
	return database.WithTx(func(tx *sql.Tx) error {
		if err := database.MarkGarbage(tx, dirID, id); err != nil {
			return err
		}
		return database.DeleteRecording(tx, id)
	})
}

// quarantine renames a file aside instead of deleting it, preserving
// evidence of an unexpected on-disk state for operator inspection.
func quarantine(dir *sampledir.Dir, id model.CompositeID, logger *slog.Logger) error {
	src := filepath.Join(dir.Path(), fmt.Sprintf("%016x", uint64(id)))
	dst := src + ".quarantined"
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "engine: quarantine %s", id)
	}
	return nil
}
