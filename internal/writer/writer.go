// Package writer implements the per-stream recording Writer: the one
// goroutine per stream that owns real disk I/O, applying the recording
// boundary policy (spec.md §4: a new recording starts at a key frame
// once the current one has run at least RecordingBoundaryMinWallDuration90k;
// reaching MaxRecordingWallDuration90k does not force a split, so a
// recording with no key frame past that point keeps growing until the
// next one arrives), the BLAKE3 sample-file checksum, and the
// incremental video index.
//
// A Writer never touches sqlite directly: it hands sealed recordings to
// a Sink (normally the Flusher's queue) and lets the single write-locked
// Flusher goroutine commit them in batches.
package writer

import (
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/rtsp"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/store/videoindex"
)

// Sealed is a recording the Writer has finished producing: its sample
// file is fsynced and closed, and its metadata is ready to commit.
type Sealed struct {
	Recording  model.Recording
	VideoIndex []byte
	Integrity  *model.RecordingIntegrity
}

// Sink receives sealed recordings. The Flusher implements this.
type Sink interface {
	Enqueue(streamID int32, s Sealed)
}

// Writer owns one stream's ingest pipeline.
type Writer struct {
	streamID           int32
	openID             int64
	dir                *sampledir.Dir
	idx                *index.StreamIndex
	sink               Sink
	logger             *slog.Logger
	videoSampleEntryID int64

	nextSequence         uint32
	runOffset            int32
	prevMediaDuration90k model.Clock90k
	prevRuns             int32

	// Clock-correction state (spec.md §4.3): firstInRun's recording
	// skips correction since there's no previous-recording-end to
	// measure local advance from. prevSealLocalAt anchors that
	// measurement for every later recording in the run.
	firstInRun        bool
	prevSealLocalAt   time.Time
	wallCorrectionPPM int64

	current *openRecording
}

type openRecording struct {
	id           model.CompositeID
	file         *os.File
	enc          *videoindex.Encoder
	hasher       *blake3.Hasher
	startTime90k model.Clock90k
	startedAt    time.Time
	pending      *rtsp.Packet
	bytesWritten int64
}

// New constructs a Writer for one stream. nextSequence, prevMediaDuration90k
// and prevRuns seed the new recordings' identity and cumulative-counter
// fields from the stream row's current state (zero for a
// never-before-seen stream). runOffset always starts a fresh run at 0
// (spec.md §3: the first recording in a run has run_offset 0) and
// increments by one per sealed recording within that run.
func New(streamID int32, openID int64, dir *sampledir.Dir, idx *index.StreamIndex, sink Sink, logger *slog.Logger,
	videoSampleEntryID int64, nextSequence uint32, runOffset int32, prevMediaDuration90k model.Clock90k, prevRuns int32) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		streamID:             streamID,
		openID:               openID,
		dir:                  dir,
		idx:                  idx,
		sink:                 sink,
		logger:               logger,
		videoSampleEntryID:   videoSampleEntryID,
		nextSequence:         nextSequence,
		runOffset:            runOffset,
		prevMediaDuration90k: prevMediaDuration90k,
		prevRuns:             prevRuns,
		firstInRun:           true,
	}
}

// WritePacket appends one decoded access unit to the current recording,
// opening a new one or closing the current one at a boundary as needed.
// A non-sync packet arriving with no recording open is dropped: a
// recording can never start mid-GOP.
func (w *Writer) WritePacket(p *rtsp.Packet) error {
	if w.current == nil {
		if !p.IsSync {
			w.logger.Warn("writer: dropping non-sync packet with no recording open", "stream", w.streamID)
			return nil
		}
		return w.openRecording(p)
	}

	// A recording can only end at a key frame, since the next one must
	// start at one: MaxRecordingWallDuration90k is a sanity ceiling on
	// how long a single recording is ever allowed to run, not a forced
	// mid-GOP cut, so the split still waits for p.IsSync.
	wallDuration := p.PTS90k - w.current.startTime90k
	boundary := p.IsSync && wallDuration >= model.RecordingBoundaryMinWallDuration90k

	if boundary {
		if err := w.finalizePending(p.PTS90k); err != nil {
			return err
		}
		if err := w.sealCurrent(wallDuration, false); err != nil {
			return err
		}
		return w.openRecording(p)
	}

	if err := w.finalizePending(p.PTS90k); err != nil {
		return err
	}
	return w.appendPending(p)
}

// Close finalizes any recording in progress, using a trailing-zero
// final sample since no subsequent packet arrived to establish its
// real duration. Called on clean shutdown or when the RTSP source ends.
func (w *Writer) Close() error {
	if w.current == nil {
		return nil
	}
	if w.current.pending != nil {
		p := w.current.pending
		wallDuration := p.PTS90k - w.current.startTime90k
		w.current.enc.AddSample(0, int32(len(p.Data)), p.IsSync)
		w.current.pending = nil
		return w.sealCurrent(wallDuration, true)
	}
	return w.sealCurrent(0, true)
}

func (w *Writer) openRecording(p *rtsp.Packet) error {
	id := model.NewCompositeID(w.streamID, w.nextSequence)
	f, err := w.dir.Create(uint64(id))
	if err != nil {
		return errors.Wrapf(err, "writer: create sample file %s", id)
	}
	w.current = &openRecording{
		id:           id,
		file:         f,
		enc:          videoindex.NewEncoder(),
		hasher:       blake3.New(32, nil),
		startTime90k: p.PTS90k,
		startedAt:    time.Now(),
	}
	return w.appendPending(p)
}

// appendPending writes p's bytes to disk immediately (its size is
// already known) and holds it as the pending sample: its duration isn't
// known until the following packet's PTS arrives.
func (w *Writer) appendPending(p *rtsp.Packet) error {
	if _, err := w.current.file.Write(p.Data); err != nil {
		return errors.Wrapf(err, "writer: write sample %s", w.current.id)
	}
	w.current.hasher.Write(p.Data)
	w.current.bytesWritten += int64(len(p.Data))
	w.current.pending = p

	w.idx.SetUncommitted(model.Recording{
		ID:                 w.current.id,
		OpenID:             w.openID,
		SampleFileBytes:    w.current.bytesWritten,
		VideoSamples:       int32(w.current.enc.SampleCount()),
		VideoSyncSamples:   int32(w.current.enc.SyncSampleCount()),
		StartTime90k:       w.current.startTime90k,
		WallDuration90k:    p.PTS90k - w.current.startTime90k,
		RunOffset:          w.runOffset,
		VideoSampleEntryID: w.videoSampleEntryID,
	})
	return nil
}

func (w *Writer) finalizePending(nextPTS90k model.Clock90k) error {
	if w.current.pending == nil {
		return nil
	}
	p := w.current.pending
	duration := nextPTS90k - p.PTS90k
	w.current.pending = nil
	w.current.enc.AddSample(int32(duration), int32(len(p.Data)), p.IsSync)
	return nil
}

func (w *Writer) sealCurrent(wallDuration90k model.Clock90k, trailingZero bool) error {
	cur := w.current
	w.current = nil

	if err := cur.file.Sync(); err != nil {
		cur.file.Close()
		return errors.Wrapf(err, "writer: fsync %s", cur.id)
	}
	if err := cur.file.Close(); err != nil {
		return errors.Wrapf(err, "writer: close %s", cur.id)
	}
	if err := w.dir.SyncDirectory(); err != nil {
		return err
	}

	var flags model.RecordingFlags
	if trailingZero {
		flags |= model.FlagTrailingZero
	}

	videoIndex := cur.enc.Bytes()
	// mediaDuration is the sum of encoded sample durations, which
	// diverges from wallDuration90k under camera clock drift. The first
	// recording of a run has no previous-recording-end to measure local
	// advance from, so it reports the raw gap; every later recording
	// corrects wallDuration90k by the drift rate observed on the
	// previous seal (±500 ppm bound) before computing the delta, and in
	// turn updates that rate for the recording after it.
	mediaDuration90k := cur.enc.TotalDuration()
	now := time.Now()

	var mediaDurationDelta90k model.Clock90k
	var wallTimeDelta90kPtr *int64
	if w.firstInRun {
		mediaDurationDelta90k = mediaDuration90k - wallDuration90k
	} else {
		correctedWall90k := wallDuration90k + model.Clock90k(int64(wallDuration90k)*w.wallCorrectionPPM/1_000_000)
		mediaDurationDelta90k = mediaDuration90k - correctedWall90k

		localAdvance90k := now.Sub(w.prevSealLocalAt).Nanoseconds() * model.ClockRate / int64(time.Second)
		localTimeDelta90k := int64(mediaDuration90k) - localAdvance90k
		wallTimeDelta90kPtr = &localTimeDelta90k

		if localAdvance90k > 0 {
			ppm := localTimeDelta90k * 1_000_000 / localAdvance90k
			if ppm > 500 {
				ppm = 500
			} else if ppm < -500 {
				ppm = -500
			}
			w.wallCorrectionPPM = ppm
		}
	}
	w.firstInRun = false
	w.prevSealLocalAt = now

	rec := model.Recording{
		ID:                    cur.id,
		OpenID:                w.openID,
		Flags:                 flags,
		SampleFileBytes:       cur.bytesWritten,
		VideoSamples:          int32(cur.enc.SampleCount()),
		VideoSyncSamples:      int32(cur.enc.SyncSampleCount()),
		StartTime90k:          cur.startTime90k,
		WallDuration90k:       wallDuration90k,
		MediaDurationDelta90k: mediaDurationDelta90k,
		RunOffset:             w.runOffset,
		PrevMediaDuration90k:  w.prevMediaDuration90k,
		PrevRuns:              w.prevRuns,
		VideoSampleEntryID:    w.videoSampleEntryID,
	}

	sum := cur.hasher.Sum(nil)
	localSinceOpen := time.Since(cur.startedAt).Nanoseconds() * model.ClockRate / int64(time.Second)
	integrity := &model.RecordingIntegrity{
		ID:                    cur.id,
		SampleFileBLAKE3:      sum,
		LocalTimeSinceOpen90k: &localSinceOpen,
		WallTimeDelta90k:      wallTimeDelta90kPtr,
	}

	w.idx.Add(rec)
	w.idx.ClearUncommitted()
	w.sink.Enqueue(w.streamID, Sealed{Recording: rec, VideoIndex: videoIndex, Integrity: integrity})

	w.nextSequence++
	w.runOffset++
	w.prevMediaDuration90k += rec.MediaDuration90k()
	return nil
}
