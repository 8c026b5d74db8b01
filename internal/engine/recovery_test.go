package engine

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/store/videoindex"
)

func setupRecoveryDB(t *testing.T) (*db.DB, *sampledir.Dir, int32, int64) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "nvr.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dirPath := t.TempDir()
	sdir, err := sampledir.Open(dirPath, nil)
	require.NoError(t, err)
	dirID, err := database.InsertSampleFileDir(dirPath)
	require.NoError(t, err)
	require.NoError(t, database.InsertStream(1, dirID, 10<<30, 120))
	entryID, err := database.InsertVideoSampleEntry(1, 1, []byte("sha1-recovery-test--xx"), []byte("entry"))
	require.NoError(t, err)
	return database, sdir, int32(dirID), entryID
}

func TestRecoverUnlinksUncommittedFileFromUncleanShutdown(t *testing.T) {
	database, sdir, dirID, _ := setupRecoveryDB(t)
	streams, err := database.ListStreams()
	require.NoError(t, err)

	id := model.NewCompositeID(1, 0) // sequence 0, never committed: cum_recordings is also 0
	_, err = sdir.CopyInto(uint64(id), strings.NewReader("partial"))
	require.NoError(t, err)

	require.NoError(t, recoverSampleFileDirs(database, []db.SampleFileDirRow{{ID: int64(dirID), Path: sdir.Path()}},
		map[int32]*sampledir.Dir{dirID: sdir}, streams, nil))

	_, err = sdir.OpenRO(uint64(id))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverQuarantinesOrphanBelowCumRecordings(t *testing.T) {
	database, sdir, dirID, _ := setupRecoveryDB(t)
	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		return database.AdvanceStreamCounters(tx, 1, 5, 0, 0)
	}))
	streams, err := database.ListStreams()
	require.NoError(t, err)

	id := model.NewCompositeID(1, 2) // below cum_recordings=5, but no recording row exists
	_, err = sdir.CopyInto(uint64(id), strings.NewReader("mystery"))
	require.NoError(t, err)

	require.NoError(t, recoverSampleFileDirs(database, []db.SampleFileDirRow{{ID: int64(dirID), Path: sdir.Path()}},
		map[int32]*sampledir.Dir{dirID: sdir}, streams, nil))

	_, err = sdir.OpenRO(uint64(id))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(sdir.Path(), id.String()+".quarantined"))
	assert.NoError(t, err)
}

func TestRecoverMovesTornRecordingToGarbage(t *testing.T) {
	database, sdir, dirID, entryID := setupRecoveryDB(t)

	id := model.NewCompositeID(1, 0)
	_, err := sdir.CopyInto(uint64(id), strings.NewReader("ab")) // 2 bytes on disk
	require.NoError(t, err)

	rec := model.Recording{ID: id, SampleFileBytes: 100, VideoSampleEntryID: entryID, StartTime90k: 0, WallDuration90k: 1000}
	vi := videoindex.Encode([]videoindex.Sample{{Duration: 1000, Bytes: 2, IsSync: true}})
	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		openID, err := database.InsertOpen(tx, uuid.New())
		if err != nil {
			return err
		}
		rec.OpenID = openID
		return database.InsertRecording(tx, rec, vi, nil)
	}))
	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		return database.AdvanceStreamCounters(tx, 1, 1, 1000, 0)
	}))

	streams, err := database.ListStreams()
	require.NoError(t, err)

	require.NoError(t, recoverSampleFileDirs(database, []db.SampleFileDirRow{{ID: int64(dirID), Path: sdir.Path()}},
		map[int32]*sampledir.Dir{dirID: sdir}, streams, nil))

	_, err = database.GetRecording(id)
	assert.Error(t, err)

	garbage, err := database.ListGarbage(dirID)
	require.NoError(t, err)
	require.Len(t, garbage, 1)
	assert.Equal(t, id, garbage[0].ID)
}

func TestRecoverRetriesGarbageUnlink(t *testing.T) {
	database, sdir, dirID, _ := setupRecoveryDB(t)
	id := model.NewCompositeID(1, 0)
	_, err := sdir.CopyInto(uint64(id), strings.NewReader("data"))
	require.NoError(t, err)

	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		return database.MarkGarbage(tx, dirID, id)
	}))

	streams, err := database.ListStreams()
	require.NoError(t, err)

	require.NoError(t, recoverSampleFileDirs(database, []db.SampleFileDirRow{{ID: int64(dirID), Path: sdir.Path()}},
		map[int32]*sampledir.Dir{dirID: sdir}, streams, nil))

	_, err = sdir.OpenRO(uint64(id))
	assert.True(t, os.IsNotExist(err))
	garbage, err := database.ListGarbage(dirID)
	require.NoError(t, err)
	assert.Empty(t, garbage)
}
