package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/quietstream/nvr/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nvr.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	d := openTestDB(t)
	var version int
	require.NoError(t, d.sql.QueryRow(`SELECT schema_version FROM meta`).Scan(&version))
	require.Equal(t, schemaVersion, version)
}

func TestStreamAndOpenLifecycle(t *testing.T) {
	d := openTestDB(t)

	dirID, err := d.InsertSampleFileDir("/var/lib/nvr/sample")
	require.NoError(t, err)
	require.NoError(t, d.InsertStream(1, dirID, 10<<30, 120))

	s, err := d.GetStream(1)
	require.NoError(t, err)
	require.EqualValues(t, 10<<30, s.RetainBytes)
	require.EqualValues(t, 0, s.CumRecordings)

	openUUID := uuid.New()
	var openID int64
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		id, err := d.InsertOpen(tx, openUUID)
		if err != nil {
			return err
		}
		openID = id
		return nil
	}))
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		return d.CloseOpen(tx, openID, 42)
	}))

	opens, err := d.ListOpens()
	require.NoError(t, err)
	require.Len(t, opens, 1)
	require.Equal(t, openUUID, opens[0].UUID)
	require.True(t, opens[0].EndTime90k.Valid)
	require.EqualValues(t, 42, opens[0].EndTime90k.Int64)
}

func TestRecordingInsertAndList(t *testing.T) {
	d := openTestDB(t)

	dirID, err := d.InsertSampleFileDir("/var/lib/nvr/sample")
	require.NoError(t, err)
	require.NoError(t, d.InsertStream(1, dirID, 10<<30, 120))

	var openID int64
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		id, err := d.InsertOpen(tx, uuid.New())
		if err != nil {
			return err
		}
		openID = id
		return nil
	}))

	entryID, err := d.InsertVideoSampleEntry(1920, 1080, []byte("sha1-digest-20by"), []byte("avc1avcCpasp"))
	require.NoError(t, err)

	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		OpenID:             openID,
		SampleFileBytes:    12345,
		VideoSamples:       90,
		VideoSyncSamples:   3,
		StartTime90k:       1_000_000,
		WallDuration90k:    270_000,
		VideoSampleEntryID: entryID,
	}
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		if err := d.InsertRecording(tx, rec, []byte{0x01, 0x02}, nil); err != nil {
			return err
		}
		return d.AdvanceStreamCounters(tx, 1, 1, rec.MediaDuration90k(), 0)
	}))

	list, err := d.ListRecordings(1, 0, 2_000_000)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, rec.ID, list[0].ID)

	s, err := d.GetStream(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.CumRecordings)

	idx, err := d.GetVideoIndex(rec.ID)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, idx)
}

func TestRecordingIntegrityRoundTrip(t *testing.T) {
	d := openTestDB(t)
	dirID, err := d.InsertSampleFileDir("/var/lib/nvr/sample")
	require.NoError(t, err)
	require.NoError(t, d.InsertStream(1, dirID, 10<<30, 120))

	var openID int64
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		id, err := d.InsertOpen(tx, uuid.New())
		openID = id
		return err
	}))
	entryID, err := d.InsertVideoSampleEntry(1920, 1080, []byte("sha1-digest-20by2"), []byte("avc1avcCpasp"))
	require.NoError(t, err)

	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 2),
		OpenID:             openID,
		SampleFileBytes:    999,
		VideoSamples:       10,
		VideoSyncSamples:   1,
		StartTime90k:       0,
		WallDuration90k:    90_000,
		VideoSampleEntryID: entryID,
	}
	sum := make([]byte, 32)
	for i := range sum {
		sum[i] = byte(i)
	}
	integrity := &model.RecordingIntegrity{ID: rec.ID, SampleFileBLAKE3: sum}
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		return d.InsertRecording(tx, rec, []byte{0xaa}, integrity)
	}))

	got, err := d.GetIntegrity(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, sum, got.SampleFileBLAKE3)

	newSum := make([]byte, 32)
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		return d.SetIntegrityChecksum(tx, rec.ID, newSum)
	}))
	got, err = d.GetIntegrity(rec.ID)
	require.NoError(t, err)
	require.Equal(t, newSum, got.SampleFileBLAKE3)
}

func TestGarbageRoundTrip(t *testing.T) {
	d := openTestDB(t)
	dirID, err := d.InsertSampleFileDir("/var/lib/nvr/sample")
	require.NoError(t, err)

	id := model.NewCompositeID(1, 7)
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		return d.MarkGarbage(tx, int32(dirID), id)
	}))

	rows, err := d.ListGarbage(int32(dirID))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].ID)

	require.NoError(t, d.UnmarkGarbage(int32(dirID), id))
	rows, err = d.ListGarbage(int32(dirID))
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteRecordingRemovesSiblings(t *testing.T) {
	d := openTestDB(t)
	dirID, err := d.InsertSampleFileDir("/var/lib/nvr/sample")
	require.NoError(t, err)
	require.NoError(t, d.InsertStream(2, dirID, 10<<30, 120))

	var openID int64
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		id, err := d.InsertOpen(tx, uuid.New())
		openID = id
		return err
	}))
	entryID, err := d.InsertVideoSampleEntry(640, 480, []byte("sha1-digest-20by3"), []byte("avc1avcC"))
	require.NoError(t, err)

	rec := model.Recording{
		ID:                 model.NewCompositeID(2, 1),
		OpenID:             openID,
		SampleFileBytes:    1,
		VideoSamples:       1,
		VideoSyncSamples:   1,
		StartTime90k:       0,
		WallDuration90k:    1,
		VideoSampleEntryID: entryID,
	}
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		return d.InsertRecording(tx, rec, []byte{0x00}, nil)
	}))
	require.NoError(t, d.WithTx(func(tx *sql.Tx) error {
		if err := d.MarkGarbage(tx, int32(dirID), rec.ID); err != nil {
			return err
		}
		return d.DeleteRecording(tx, rec.ID)
	}))

	list, err := d.ListRecordings(2, 0, 1_000_000)
	require.NoError(t, err)
	require.Empty(t, list)
}
