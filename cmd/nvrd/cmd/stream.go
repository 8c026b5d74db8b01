package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/quietstream/nvr/config"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/util"
)

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage registered streams",
	}
	cmd.AddCommand(newStreamAddCmd())
	cmd.AddCommand(newStreamListCmd())
	return cmd
}

func newStreamAddCmd() *cobra.Command {
	var (
		id          int64
		dir         string
		retainBytes int64
		flushIfSec  int64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new stream and the sample-file directory it writes into",
		Long: `Registers a new stream id against a sample-file directory, creating the
directory's metadata row if it hasn't been registered yet. An actual RTSP
ingest client is out of this repository's scope (see internal/rtsp); once
registered, a collaborator process drives the stream by calling
engine.RegisterStream with its own rtsp.Source implementation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = filepath.Join(config.GetSampleDir(), fmt.Sprintf("stream-%d", id))
			}
			if retainBytes <= 0 {
				retainBytes = config.GetDefaultRetainBytes()
			}
			if flushIfSec <= 0 {
				flushIfSec = config.GetDefaultFlushIfSec()
			}
			return runStreamAdd(id, dir, retainBytes, flushIfSec)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&id, "id", 0, "stream id (required, operator-assigned)")
	flags.StringVar(&dir, "dir", "", "sample-file directory path (default: <sample_dir>/stream-<id>)")
	flags.Int64Var(&retainBytes, "retain-bytes", 0, "per-stream disk quota (default: config retain_bytes)")
	flags.Int64Var(&flushIfSec, "flush-if-sec", 0, "flush_if_sec value stored on the stream row (default: config flush_if_sec)")
	cmd.MarkFlagRequired("id")

	return cmd
}

func runStreamAdd(id int64, dirPath string, retainBytes, flushIfSec int64) error {
	logger := util.GetLogger()

	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return errors.Wrapf(err, "nvrd: create sample dir %s", dirPath)
	}
	if _, err := sampledir.Open(dirPath, logger); err != nil {
		return errors.Wrapf(err, "nvrd: open sample dir %s", dirPath)
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	dirID, err := findOrCreateSampleFileDir(database, dirPath)
	if err != nil {
		return err
	}

	if err := database.InsertStream(id, dirID, retainBytes, flushIfSec); err != nil {
		return errors.Wrapf(err, "nvrd: register stream %d", id)
	}

	logger.Info("nvrd: registered stream", "id", id, "dir", dirPath, "retain_bytes", retainBytes, "flush_if_sec", flushIfSec)
	return nil
}

func findOrCreateSampleFileDir(database *db.DB, path string) (int64, error) {
	dirs, err := database.ListSampleFileDirs()
	if err != nil {
		return 0, err
	}
	for _, d := range dirs {
		if d.Path == path {
			return d.ID, nil
		}
	}
	return database.InsertSampleFileDir(path)
}

func newStreamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			streams, err := database.ListStreams()
			if err != nil {
				return err
			}

			columns := []util.TableColumn{
				{Header: "ID", Key: "id"},
				{Header: "DIR", Key: "dir"},
				{Header: "RETAIN_BYTES", Key: "retain"},
				{Header: "FLUSH_IF_SEC", Key: "flush"},
				{Header: "CUM_RECORDINGS", Key: "recordings"},
			}
			rows := make([]map[string]interface{}, 0, len(streams))
			for _, s := range streams {
				rows = append(rows, map[string]interface{}{
					"id":         s.ID,
					"dir":        s.SampleFileDirID,
					"retain":     s.RetainBytes,
					"flush":      s.FlushIfSec,
					"recordings": s.CumRecordings,
				})
			}
			util.RenderTable(cmd.OutOrStdout(), columns, rows)
			return nil
		},
	}
}

func openDB() (*db.DB, error) {
	if err := os.MkdirAll(config.GetDBDir(), 0755); err != nil {
		return nil, errors.Wrap(err, "nvrd: create db dir")
	}
	database, err := db.Open(filepath.Join(config.GetDBDir(), "nvr.sqlite3"))
	if err != nil {
		return nil, errors.Wrap(err, "nvrd: open metadata database")
	}
	return database, nil
}
