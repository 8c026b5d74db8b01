package mp4synth

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/store/videoindex"
)

type fixedDir struct{ id int32 }

func (f fixedDir) SampleFileDirID(int32) int32 { return f.id }

func setup(t *testing.T) (*Builder, *db.DB, *sampledir.Dir, *index.Index, int64) {
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

	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	avcC := buildTestAvcCBox(sps, pps)
	entryData := append([]byte{0, 0, 0, 0, 'a', 'v', 'c', '1'}, avcC...)
	entryID, err := database.InsertVideoSampleEntry(640, 480, []byte("sha1-builder-test-xx"), entryData)
	require.NoError(t, err)

	idx := index.NewIndex()
	b := New(database, idx, map[int32]*sampledir.Dir{int32(dirID): sdir}, fixedDir{id: int32(dirID)})

	return b, database, sdir, idx, entryID
}

func insertRecording(t *testing.T, database *db.DB, sdir *sampledir.Dir, idx *index.Index, rec model.Recording, payload string, samples []videoindex.Sample) {
	t.Helper()
	_, err := sdir.CopyInto(uint64(rec.ID), strings.NewReader(payload))
	require.NoError(t, err)

	vi := videoindex.Encode(samples)
	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		openID, err := database.InsertOpen(tx, uuid.New())
		if err != nil {
			return err
		}
		rec.OpenID = openID
		return database.InsertRecording(tx, rec, vi, nil)
	}))
	idx.Stream(rec.ID.StreamID()).Add(rec)
}

func TestBuildSingleRecordingFullRange(t *testing.T) {
	b, database, sdir, idx, entryID := setup(t)

	samples := []videoindex.Sample{
		{Duration: 3000, Bytes: 4, IsSync: true},
		{Duration: 3000, Bytes: 3, IsSync: false},
	}
	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		VideoSampleEntryID: entryID,
		StartTime90k:       1_000_000,
		WallDuration90k:    6000,
		SampleFileBytes:    7,
		VideoSamples:       2,
		VideoSyncSamples:   1,
	}
	insertRecording(t, database, sdir, idx, rec, "abcdefg", samples)

	out, err := b.Build(context.Background(), 1, 0, 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", out.ContentType)
	assert.NotEmpty(t, out.ETag)
	assert.NotEmpty(t, out.Data)
	// ftyp box always starts an fmp4 init segment.
	assert.Contains(t, string(out.Data[:64]), "ftyp")
}

func TestBuildTrimsSamplesOutsideWindow(t *testing.T) {
	b, database, sdir, idx, entryID := setup(t)

	samples := []videoindex.Sample{
		{Duration: 3000, Bytes: 4, IsSync: true},
		{Duration: 3000, Bytes: 3, IsSync: false},
		{Duration: 3000, Bytes: 3, IsSync: false},
	}
	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		VideoSampleEntryID: entryID,
		StartTime90k:       0,
		WallDuration90k:    9000,
		SampleFileBytes:    10,
		VideoSamples:       3,
		VideoSyncSamples:   1,
	}
	insertRecording(t, database, sdir, idx, rec, "abcdefghij", samples)

	// Window only covers the first sample's interval [0, 3000).
	out, err := b.Build(context.Background(), 1, 0, 3000)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Data)
}

func TestBuildNoOverlapReturnsError(t *testing.T) {
	b, database, sdir, idx, entryID := setup(t)

	samples := []videoindex.Sample{{Duration: 3000, Bytes: 4, IsSync: true}}
	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		VideoSampleEntryID: entryID,
		StartTime90k:       1_000_000,
		WallDuration90k:    3000,
		SampleFileBytes:    4,
		VideoSamples:       1,
		VideoSyncSamples:   1,
	}
	insertRecording(t, database, sdir, idx, rec, "abcd", samples)

	_, err := b.Build(context.Background(), 1, 0, 100)
	assert.ErrorIs(t, err, ErrNoRecordings)
}

func TestTrimStartToSyncExtendsBackToPrecedingSyncSample(t *testing.T) {
	// GOP: sync at 0, P frames at 3000/6000/9000, next sync (new GOP) at
	// 12000. A window starting at 7000 lands on the second P frame; the
	// effective start must pull back to the GOP's sync sample at 0, not
	// the requested 7000, so decoding can start cleanly.
	samples := []videoindex.Sample{
		{Duration: 3000, Bytes: 1, IsSync: true},
		{Duration: 3000, Bytes: 1, IsSync: false},
		{Duration: 3000, Bytes: 1, IsSync: false},
		{Duration: 3000, Bytes: 1, IsSync: false},
		{Duration: 3000, Bytes: 1, IsSync: true},
	}
	assert.EqualValues(t, 0, trimStartToSync(samples, 0, 7000))
	// A window starting exactly at a sync sample needs no adjustment.
	assert.EqualValues(t, 12000, trimStartToSync(samples, 0, 12000))
	// A window starting before the recording even begins is left alone.
	assert.EqualValues(t, -500, trimStartToSync(samples, 0, -500))
}

func TestBuildETagStableAcrossIdenticalRequests(t *testing.T) {
	b, database, sdir, idx, entryID := setup(t)

	samples := []videoindex.Sample{{Duration: 3000, Bytes: 4, IsSync: true}}
	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		VideoSampleEntryID: entryID,
		StartTime90k:       0,
		WallDuration90k:    3000,
		SampleFileBytes:    4,
		VideoSamples:       1,
		VideoSyncSamples:   1,
	}
	insertRecording(t, database, sdir, idx, rec, "abcd", samples)

	out1, err := b.Build(context.Background(), 1, 0, 10_000)
	require.NoError(t, err)
	out2, err := b.Build(context.Background(), 1, 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, out1.ETag, out2.ETag)
}
