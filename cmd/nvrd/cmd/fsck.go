package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/sampledir"
)

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Scan every sample-file directory and reconcile it against the metadata database",
		Long: `Runs the same torn/uncommitted/orphan classification the engine performs
at startup (spec.md §7), standalone and on demand: useful after an operator
has manually poked at a sample directory, or to audit a running system's
storage without restarting nvrd.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFsck()
		},
	}
}

func runFsck() error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	dirRows, err := database.ListSampleFileDirs()
	if err != nil {
		return err
	}
	streams, err := database.ListStreams()
	if err != nil {
		return err
	}

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Prefix = "  "
	sp.Suffix = fmt.Sprintf(" scanning %d sample-file director(ies)...", len(dirRows))
	sp.Start()

	cumRecordingsByStream := make(map[int32]int64, len(streams))
	for _, s := range streams {
		cumRecordingsByStream[int32(s.ID)] = s.CumRecordings
	}

	var report fsckReport
	for _, row := range dirRows {
		dir, err := sampledir.Open(row.Path, nil)
		if err != nil {
			sp.Stop()
			return errors.Wrapf(err, "nvrd fsck: open sample_file_dir %d (%s)", row.ID, row.Path)
		}

		if err := fsckDir(database, dir, int32(row.ID), cumRecordingsByStream, &report); err != nil {
			sp.Stop()
			return errors.Wrapf(err, "nvrd fsck: sample_file_dir %d", row.ID)
		}
	}
	sp.Stop()

	fmt.Printf("committed:   %d\n", report.committed)
	fmt.Printf("uncommitted: %d\n", report.uncommitted)
	fmt.Printf("torn:        %d\n", report.torn)
	fmt.Printf("orphan:      %d\n", report.orphan)
	fmt.Printf("garbage:     %d\n", report.garbageRetried)
	return nil
}

type fsckReport struct {
	committed      int
	uncommitted    int
	torn           int
	orphan         int
	garbageRetried int
}

// fsckDir mirrors the classification engine.reconcileFile performs at
// startup, but counts outcomes instead of logging them for the scan
// report, and looks each file's row up with database.GetRecording
// instead of the in-memory index (fsck runs standalone, with no engine
// to ask).
func fsckDir(database *db.DB, dir *sampledir.Dir, dirID int32, cumRecordingsByStream map[int32]int64, report *fsckReport) error {
	garbage, err := database.ListGarbage(dirID)
	if err != nil {
		return err
	}
	for _, g := range garbage {
		if err := dir.Unlink(uint64(g.ID)); err == nil {
			database.UnmarkGarbage(dirID, g.ID)
			report.garbageRetried++
		}
	}

	ids, err := dir.List()
	if err != nil {
		return err
	}

	for _, raw := range ids {
		id := model.CompositeID(raw)
		rec, err := database.GetRecording(id)
		if err == nil {
			size, err := dir.Stat(uint64(id))
			if err != nil {
				return err
			}
			if size >= rec.SampleFileBytes {
				report.committed++
			} else {
				report.torn++
			}
			continue
		}

		streamID := id.StreamID()
		cumRecordings, known := cumRecordingsByStream[streamID]
		if known && id.Sequence() >= uint32(cumRecordings) {
			report.uncommitted++
		} else {
			report.orphan++
		}
	}
	return dir.SyncDirectory()
}
