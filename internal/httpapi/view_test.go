package httpapi

import (
	"database/sql"
	"encoding/binary"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/mp4synth"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/store/videoindex"
)

type testDirResolver struct{ id int32 }

func (d testDirResolver) SampleFileDirID(int32) int32 { return d.id }

func buildTestAvcCBox(sps, pps []byte) []byte {
	payload := []byte{1, 0x42, 0x00, 0x1f, 0xff, 0xe1}
	spsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(spsLen, uint16(len(sps)))
	payload = append(payload, spsLen...)
	payload = append(payload, sps...)
	payload = append(payload, byte(1))
	ppsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(ppsLen, uint16(len(pps)))
	payload = append(payload, ppsLen...)
	payload = append(payload, pps...)

	box := make([]byte, 4)
	binary.BigEndian.PutUint32(box, uint32(8+len(payload)))
	box = append(box, []byte("avcC")...)
	return append(box, payload...)
}

func setupRouter(t *testing.T) (http.Handler, *db.DB, *sampledir.Dir, *index.Index) {
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

	avcC := buildTestAvcCBox([]byte{0x67, 0x42}, []byte{0x68, 0xce})
	entryData := append([]byte{0, 0, 0, 0, 'a', 'v', 'c', '1'}, avcC...)
	entryID, err := database.InsertVideoSampleEntry(640, 480, []byte("sha1-httpapi-test-xx"), entryData)
	require.NoError(t, err)

	idx := index.NewIndex()

	rec := model.Recording{
		ID:                 model.NewCompositeID(1, 1),
		VideoSampleEntryID: entryID,
		StartTime90k:       0,
		WallDuration90k:    3000,
		SampleFileBytes:    4,
		VideoSamples:       1,
		VideoSyncSamples:   1,
	}
	_, err = sdir.CopyInto(uint64(rec.ID), strings.NewReader("abcd"))
	require.NoError(t, err)
	vi := videoindex.Encode([]videoindex.Sample{{Duration: 3000, Bytes: 4, IsSync: true}})
	require.NoError(t, database.WithTx(func(tx *sql.Tx) error {
		openID, err := database.InsertOpen(tx, uuid.New())
		if err != nil {
			return err
		}
		rec.OpenID = openID
		return database.InsertRecording(tx, rec, vi, nil)
	}))
	idx.Stream(1).Add(rec)

	builder := mp4synth.New(database, idx, map[int32]*sampledir.Dir{int32(dirID): sdir}, testDirResolver{id: int32(dirID)})
	status := NewStatusHub(slog.Default())
	router := NewRouter(database, idx, builder, status, slog.Default())
	return router, database, sdir, idx
}

func TestRecordingsEndpointReturnsJSON(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/recordings?stream=1&start90k=0&end90k=1000000", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "recordings")
}

func TestViewMP4EndpointServesFullBody(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	id := model.NewCompositeID(1, 1)
	req := httptest.NewRequest(http.MethodGet, "/view.mp4?s="+strconv.FormatUint(uint64(id), 10), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.Bytes())
	assert.NotEmpty(t, rr.Header().Get("ETag"))
}

func TestViewMP4EndpointSupportsRange(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	id := model.NewCompositeID(1, 1)
	full := httptest.NewRequest(http.MethodGet, "/view.mp4?s="+strconv.FormatUint(uint64(id), 10), nil)
	fullRR := httptest.NewRecorder()
	router.ServeHTTP(fullRR, full)

	req := httptest.NewRequest(http.MethodGet, "/view.mp4?s="+strconv.FormatUint(uint64(id), 10), nil)
	req.Header.Set("Range", "bytes=0-3")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, fullRR.Body.Bytes()[0:4], rr.Body.Bytes())
}

func TestViewMP4EndpointUnknownRecordingIs400(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/view.mp4?s=999999999", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
