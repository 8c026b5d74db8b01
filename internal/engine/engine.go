// Package engine wires the recording storage engine's components into
// one running process: it opens the metadata database and every
// registered sample-file directory, runs startup crash recovery
// (spec.md §7), and connects each ingested stream's Writer to the
// shared Flusher, Retention enforcer, integrity Sweeper, and the
// httpapi read surface. cmd/nvrd is a thin CLI shell around this
// package.
package engine

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quietstream/nvr/internal/flusher"
	"github.com/quietstream/nvr/internal/httpapi"
	"github.com/quietstream/nvr/internal/integrity"
	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/mp4synth"
	"github.com/quietstream/nvr/internal/retention"
	"github.com/quietstream/nvr/internal/rtsp"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
	"github.com/quietstream/nvr/internal/store/sampledir"
	"github.com/quietstream/nvr/internal/writer"
)

// Options configures the subsystems Engine drives. Zero values fall
// back to sensible defaults via withDefaults.
type Options struct {
	// MountPath is the filesystem root Retention watches for free-space
	// pressure; empty disables that check.
	MountPath string
	// MinFreeBytes triggers disk-pressure eviction when MountPath's free
	// space drops below it.
	MinFreeBytes uint64
	FlushInterval     time.Duration
	RetentionInterval time.Duration
	// IntegritySchedule is a cron expression for the periodic
	// re-verification sweep; empty disables it.
	IntegritySchedule string
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = 30 * time.Second
	}
	if o.MinFreeBytes == 0 {
		o.MinFreeBytes = 1 << 30
	}
	return o
}

// dirResolver answers the SampleFileDirID question every downstream
// component (Retention, integrity, mp4synth) needs without each having
// to know how streams map to directories.
type dirResolver struct {
	mu       sync.RWMutex
	byStream map[int32]int32
}

func newDirResolver() *dirResolver {
	return &dirResolver{byStream: make(map[int32]int32)}
}

func (r *dirResolver) SampleFileDirID(streamID int32) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byStream[streamID]
}

func (r *dirResolver) set(streamID, dirID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStream[streamID] = dirID
}

// Engine owns one process's worth of ingest, storage, and playback.
type Engine struct {
	database *db.DB
	index    *index.Index
	dirs     map[int32]*sampledir.Dir
	resolver *dirResolver

	openID   int64
	openUUID uuid.UUID

	flusher   *flusher.Flusher
	retention *retention.Enforcer
	integrity *integrity.Sweeper
	status    *httpapi.StatusHub
	builder   *mp4synth.Builder

	// Router is the full HTTP handler for GET /recordings, GET
	// /view.mp4, and GET /ws/status.
	Router http.Handler

	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	writers map[int32]*writer.Writer
	cancels map[int32]context.CancelFunc
	wg      sync.WaitGroup
}

// Open loads every registered sample-file directory and stream,
// performs startup crash recovery, seeds the in-memory index, and
// constructs the Flusher/Retention/integrity/mp4synth/httpapi stack.
// It does not start any background goroutines; call Start for that.
func Open(database *db.DB, logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	dirRows, err := database.ListSampleFileDirs()
	if err != nil {
		return nil, err
	}
	dirs := make(map[int32]*sampledir.Dir, len(dirRows))
	for _, row := range dirRows {
		d, err := sampledir.Open(row.Path, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: open sample_file_dir %d", row.ID)
		}
		dirs[int32(row.ID)] = d
	}

	streams, err := database.ListStreams()
	if err != nil {
		return nil, err
	}
	resolver := newDirResolver()
	for _, s := range streams {
		resolver.set(int32(s.ID), int32(s.SampleFileDirID))
	}

	if err := recoverSampleFileDirs(database, dirRows, dirs, streams, logger); err != nil {
		return nil, err
	}

	idx := index.NewIndex()
	for _, s := range streams {
		recs, err := database.ListRecordings(int32(s.ID), 0, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		idx.Stream(int32(s.ID)).Load(recs)
	}

	openUUID := uuid.New()
	var openID int64
	err = database.WithTx(func(tx *sql.Tx) error {
		id, err := database.InsertOpen(tx, openUUID)
		if err != nil {
			return err
		}
		openID = id
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "engine: insert open")
	}

	fl := flusher.New(database, idx, dirs, logger)
	ret := retention.New(database, idx, resolver, fl, opts.MountPath, logger)
	ret.MinFreeBytes = opts.MinFreeBytes
	sweep := integrity.New(database, idx, dirs, resolver.SampleFileDirID, logger)
	builder := mp4synth.New(database, idx, dirs, resolver)
	status := httpapi.NewStatusHub(logger)
	router := httpapi.NewRouter(database, idx, builder, status, logger)

	return &Engine{
		database:  database,
		index:     idx,
		dirs:      dirs,
		resolver:  resolver,
		openID:    openID,
		openUUID:  openUUID,
		flusher:   fl,
		retention: ret,
		integrity: sweep,
		status:    status,
		builder:   builder,
		Router:    router,
		logger:    logger,
		opts:      opts,
		writers:   make(map[int32]*writer.Writer),
		cancels:   make(map[int32]context.CancelFunc),
	}, nil
}

// Start launches the Flusher and Retention background loops and, if
// configured, the integrity sweep's cron schedule. It does not block.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.flusher.Run(ctx.Done(), e.opts.FlushInterval)
	}()
	go func() {
		defer e.wg.Done()
		e.retention.Run(ctx, e.opts.RetentionInterval)
	}()
	if e.opts.IntegritySchedule != "" {
		if err := e.integrity.Start(e.opts.IntegritySchedule); err != nil {
			e.logger.Error("engine: start integrity sweep", "error", err)
		}
	}
}

// RegisterStream starts ingesting from source into streamID's Writer.
// width/height/sps/pps describe the codec parameters the source has
// already negotiated (SPS/PPS arrive on the RTSP SDP or the first key
// frame, outside this package's scope); they're used once to resolve
// or insert this run's video_sample_entry row.
func (e *Engine) RegisterStream(ctx context.Context, streamID int32, source rtsp.Source, width, height uint16, sps, pps []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.writers[streamID]; exists {
		return errors.Errorf("engine: stream %d already registered", streamID)
	}

	streamRow, err := e.database.GetStream(int64(streamID))
	if err != nil {
		return errors.Wrapf(err, "engine: unregistered stream %d", streamID)
	}
	dir, ok := e.dirs[int32(streamRow.SampleFileDirID)]
	if !ok {
		return errors.Errorf("engine: stream %d references unknown sample_file_dir %d", streamID, streamRow.SampleFileDirID)
	}

	entryData := buildVisualSampleEntry(width, height, sps, pps)
	sum := sha1.Sum(entryData)
	entryID, err := e.database.InsertVideoSampleEntry(int(width), int(height), sum[:], entryData)
	if err != nil {
		return errors.Wrapf(err, "engine: insert video_sample_entry for stream %d", streamID)
	}

	prevRuns := int32(streamRow.CumRuns)
	if err := e.database.WithTx(func(tx *sql.Tx) error {
		return e.database.AdvanceStreamCounters(tx, int64(streamID), 0, 0, 1)
	}); err != nil {
		return errors.Wrapf(err, "engine: advance run counter for stream %d", streamID)
	}

	// A new run always starts its own recording numbering at 0 (spec.md
	// §3); the Writer increments it per sealed recording within the run.
	w := writer.New(streamID, e.openID, dir, e.index.Stream(streamID), e.flusher, e.logger,
		entryID, uint32(streamRow.CumRecordings), 0, streamRow.CumMediaDuration90k, prevRuns)

	ingestCtx, cancel := context.WithCancel(ctx)
	e.writers[streamID] = w
	e.cancels[streamID] = cancel

	e.wg.Add(1)
	go e.ingest(ingestCtx, streamID, source, w)
	return nil
}

func (e *Engine) ingest(ctx context.Context, streamID int32, source rtsp.Source, w *writer.Writer) {
	defer e.wg.Done()
	e.status.Publish(httpapi.StatusEvent{Type: "stream_started", Time: time.Now(), StreamID: streamID})

	for {
		p, err := source.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("engine: rtsp source ended", "stream", streamID, "error", err)
				e.status.Publish(httpapi.StatusEvent{Type: "stream_error", Time: time.Now(), StreamID: streamID, Message: err.Error()})
			}
			break
		}
		if err := w.WritePacket(p); err != nil {
			e.logger.Error("engine: write packet failed", "stream", streamID, "error", err)
			e.status.Publish(httpapi.StatusEvent{Type: "stream_error", Time: time.Now(), StreamID: streamID, Message: err.Error()})
			break
		}
	}

	if err := w.Close(); err != nil {
		e.logger.Error("engine: close writer failed", "stream", streamID, "error", err)
	}
	if err := source.Close(); err != nil {
		e.logger.Error("engine: close rtsp source failed", "stream", streamID, "error", err)
	}
	e.status.Publish(httpapi.StatusEvent{Type: "stream_stopped", Time: time.Now(), StreamID: streamID})
}

// Shutdown stops every ingest goroutine, flushes whatever they sealed,
// stops the integrity schedule, and stamps this process's open (and
// each sample-file directory's meta file) as cleanly closed. The next
// startup's crash recovery does not consult these stamps; it
// reconciles every sample file either way.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("engine: shutdown deadline exceeded waiting for ingest goroutines")
	}

	if err := e.flusher.FlushOnce(); err != nil {
		e.logger.Error("engine: final flush failed", "error", err)
	}
	e.integrity.Stop()

	endTime90k := model.Clock90k(time.Now().UnixNano() / (int64(time.Second) / model.ClockRate))
	if err := e.database.WithTx(func(tx *sql.Tx) error {
		return e.database.CloseOpen(tx, e.openID, endTime90k)
	}); err != nil {
		return errors.Wrap(err, "engine: close open")
	}

	for dirID, dir := range e.dirs {
		if err := dir.SetLastCompleteOpen(e.openUUID); err != nil {
			e.logger.Error("engine: set last complete open on disk failed", "dir", dirID, "error", err)
			continue
		}
		if err := e.database.SetLastCompleteOpen(int64(dirID), e.openID); err != nil {
			e.logger.Error("engine: set last complete open in db failed", "dir", dirID, "error", err)
		}
	}
	return nil
}
