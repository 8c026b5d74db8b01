package cmd

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/quietstream/nvr/internal/flusher"
	"github.com/quietstream/nvr/internal/retention"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/util"
)

func newGCCmd() *cobra.Command {
	var mountPath string
	var minFreeBytes uint64

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one retention pass immediately, without starting the full engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(mountPath, minFreeBytes)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mountPath, "mount-path", "", "filesystem root to check for disk-pressure eviction (empty skips that check)")
	flags.Uint64Var(&minFreeBytes, "min-free-bytes", 1<<30, "trigger disk-pressure retention below this many free bytes")

	return cmd
}

// staticDirResolver is a throwaway resolver built from one ListStreams
// snapshot: gc runs a single EnforceAll pass and exits, so it doesn't
// need the engine's mutex-guarded dirResolver kept up to date.
type staticDirResolver map[int32]int32

func (r staticDirResolver) SampleFileDirID(streamID int32) int32 { return r[streamID] }

func runGC(mountPath string, minFreeBytes uint64) error {
	logger := util.GetLogger()

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	streams, err := database.ListStreams()
	if err != nil {
		return err
	}

	dirRows, err := database.ListSampleFileDirs()
	if err != nil {
		return err
	}
	dirs, err := openAllSampleDirs(dirRows)
	if err != nil {
		return err
	}

	resolver := make(staticDirResolver, len(streams))
	idx := index.NewIndex()
	for _, s := range streams {
		resolver[int32(s.ID)] = int32(s.SampleFileDirID)
		recs, err := database.ListRecordings(int32(s.ID), 0, math.MaxInt64)
		if err != nil {
			return err
		}
		idx.Stream(int32(s.ID)).Load(recs)
	}

	fl := flusher.New(database, idx, dirs, logger)
	ret := retention.New(database, idx, resolver, fl, mountPath, logger)
	ret.MinFreeBytes = minFreeBytes

	ret.EnforceAll()
	if err := fl.FlushOnce(); err != nil {
		return err
	}

	fmt.Println("gc: retention pass complete")
	return nil
}

func openAllSampleDirs(rows []db.SampleFileDirRow) (map[int32]*sampledir.Dir, error) {
	dirs := make(map[int32]*sampledir.Dir, len(rows))
	for _, row := range rows {
		d, err := sampledir.Open(row.Path, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "nvrd gc: open sample_file_dir %d", row.ID)
		}
		dirs[int32(row.ID)] = d
	}
	return dirs, nil
}
