package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/rtsp"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
)

type fakeSink struct {
	sealed []Sealed
}

func (f *fakeSink) Enqueue(streamID int32, s Sealed) {
	f.sealed = append(f.sealed, s)
}

func newTestWriter(t *testing.T) (*Writer, *fakeSink, *index.StreamIndex) {
	t.Helper()
	dir, err := sampledir.Open(t.TempDir(), nil)
	require.NoError(t, err)
	idx := index.New(1)
	sink := &fakeSink{}
	w := New(1, 1, dir, idx, sink, nil, 42, 0, 0, 0, 0)
	return w, sink, idx
}

func TestWriterClosesOnKeyFrameBoundary(t *testing.T) {
	w, sink, _ := newTestWriter(t)

	const minBoundary = model.RecordingBoundaryMinWallDuration90k
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr1"), PTS90k: 0, IsSync: true}))
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("p1"), PTS90k: 3000, IsSync: false}))
	// a sync packet after the minimum boundary closes the first recording
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr2"), PTS90k: minBoundary + 1000, IsSync: true}))

	require.Len(t, sink.sealed, 1)
	rec := sink.sealed[0].Recording
	assert.EqualValues(t, 2, rec.VideoSamples)
	assert.EqualValues(t, 1, rec.VideoSyncSamples)
	assert.False(t, rec.TrailingZero())
	assert.NotNil(t, sink.sealed[0].Integrity)
	assert.Len(t, sink.sealed[0].Integrity.SampleFileBLAKE3, 32)
}

func TestWriterDropsNonSyncFirstPacket(t *testing.T) {
	w, sink, _ := newTestWriter(t)
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("p"), PTS90k: 0, IsSync: false}))
	require.Empty(t, sink.sealed)
	require.Nil(t, w.current)
}

func TestWriterCloseMarksTrailingZero(t *testing.T) {
	w, sink, _ := newTestWriter(t)
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr1"), PTS90k: 0, IsSync: true}))
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("p1"), PTS90k: 3000, IsSync: false}))
	require.NoError(t, w.Close())

	require.Len(t, sink.sealed, 1)
	rec := sink.sealed[0].Recording
	assert.True(t, rec.TrailingZero())
	assert.EqualValues(t, 2, rec.VideoSamples)
}

func TestWriterSkipsClockCorrectionOnlyForFirstRecordingInRun(t *testing.T) {
	// spec.md §4.3: the first recording of a run has no previous-recording
	// end to measure local clock advance from, so it reports no
	// WallTimeDelta90k; every later recording in the run does.
	w, sink, _ := newTestWriter(t)

	const b = model.RecordingBoundaryMinWallDuration90k
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr1"), PTS90k: 0, IsSync: true}))
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr2"), PTS90k: b + 1000, IsSync: true}))
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr3"), PTS90k: 2*b + 2000, IsSync: true}))

	require.Len(t, sink.sealed, 2)
	assert.Nil(t, sink.sealed[0].Integrity.WallTimeDelta90k)
	assert.NotNil(t, sink.sealed[1].Integrity.WallTimeDelta90k)
}

func TestWriterDoesNotSplitMidGOPPastMaxDuration(t *testing.T) {
	// A recording can only end at a key frame; MaxRecordingWallDuration90k
	// bounds normal camera behavior (frequent key frames) but a
	// non-sync packet past it must not force a mid-GOP split, since the
	// next recording would then start without a key frame.
	w, sink, _ := newTestWriter(t)
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr1"), PTS90k: 0, IsSync: true}))
	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("p1"), PTS90k: model.MaxRecordingWallDuration90k + 1, IsSync: false}))
	require.Empty(t, sink.sealed)
	require.NotNil(t, w.current)

	require.NoError(t, w.WritePacket(&rtsp.Packet{Data: []byte("idr2"), PTS90k: model.MaxRecordingWallDuration90k + 2000, IsSync: true}))
	require.Len(t, sink.sealed, 1)
}
