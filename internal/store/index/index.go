// Package index implements the in-memory, per-stream recording index:
// a sorted view of committed recordings plus the Writer's currently
// open, not-yet-flushed recording (the "uncommitted tail"), so readers
// can serve GET /recordings and view.mp4 requests against data that
// hasn't reached sqlite yet without racing the Flusher or Retention.
package index

import (
	"sort"
	"sync"

	"github.com/quietstream/nvr/internal/model"
)

// StreamIndex holds one stream's recordings in start-time order.
// Readers take a Snapshot, which is a copy of the matching recordings
// plus the uncommitted tail: since Recording is an immutable
// value once appended, concurrent mutation of the index never corrupts
// a snapshot already handed to a reader.
type StreamIndex struct {
	mu sync.RWMutex

	streamID    int32
	committed   []model.Recording // sorted ascending by StartTime90k
	uncommitted *model.Recording  // the Writer's in-progress recording, if any
}

// New returns an empty index for one stream.
func New(streamID int32) *StreamIndex {
	return &StreamIndex{streamID: streamID}
}

// Load seeds the index from a startup database scan. Recordings must
// already be sorted by StartTime90k; ListRecordings in internal/store/db
// guarantees this via ORDER BY.
func (si *StreamIndex) Load(recordings []model.Recording) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.committed = append([]model.Recording(nil), recordings...)
}

// Add inserts a newly sealed recording, called by the Writer when it
// seals one, before the Flusher has committed it. Recordings are normally
// appended in order (the Writer produces them that way), but Add still
// binary-searches so an out-of-order insert stays correct.
func (si *StreamIndex) Add(rec model.Recording) {
	si.mu.Lock()
	defer si.mu.Unlock()
	i := sort.Search(len(si.committed), func(i int) bool {
		return si.committed[i].StartTime90k > rec.StartTime90k
	})
	si.committed = append(si.committed, model.Recording{})
	copy(si.committed[i+1:], si.committed[i:])
	si.committed[i] = rec
}

// Remove deletes a recording from the index, called by the Flusher in
// the same moment it commits a Retention deletion.
func (si *StreamIndex) Remove(id model.CompositeID) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for i, r := range si.committed {
		if r.ID == id {
			si.committed = append(si.committed[:i], si.committed[i+1:]...)
			return
		}
	}
}

// SetUncommitted replaces the Writer's in-progress recording snapshot.
// The Writer calls this after every sample it appends so readers can
// see live recordings without waiting for a flush.
func (si *StreamIndex) SetUncommitted(rec model.Recording) {
	si.mu.Lock()
	defer si.mu.Unlock()
	r := rec
	si.uncommitted = &r
}

// ClearUncommitted drops the in-progress snapshot, called once the
// Writer has sealed its recording (it now lives in committed, added
// via Add) or abandoned it.
func (si *StreamIndex) ClearUncommitted() {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.uncommitted = nil
}

// Snapshot returns every recording (committed, plus the uncommitted
// tail if present) with start time in [startTime90k, endTime90k),
// ordered ascending. The slice is a fresh copy safe to read without
// holding any lock.
func (si *StreamIndex) Snapshot(startTime90k, endTime90k model.Clock90k) []model.Recording {
	si.mu.RLock()
	defer si.mu.RUnlock()

	lo := sort.Search(len(si.committed), func(i int) bool {
		return si.committed[i].StartTime90k >= startTime90k
	})
	hi := sort.Search(len(si.committed), func(i int) bool {
		return si.committed[i].StartTime90k >= endTime90k
	})
	out := append([]model.Recording(nil), si.committed[lo:hi]...)

	if si.uncommitted != nil {
		r := *si.uncommitted
		if r.StartTime90k >= startTime90k && r.StartTime90k < endTime90k {
			out = append(out, r)
		}
	}
	return out
}

// All returns every recording currently held, committed and
// uncommitted, used by Retention to evaluate total bytes used.
func (si *StreamIndex) All() []model.Recording {
	si.mu.RLock()
	defer si.mu.RUnlock()
	out := append([]model.Recording(nil), si.committed...)
	if si.uncommitted != nil {
		out = append(out, *si.uncommitted)
	}
	return out
}

// TotalBytes sums SampleFileBytes across every committed recording
// (the uncommitted tail is excluded: its size is still growing and its
// bytes aren't charged against the stream's quota until it is sealed).
func (si *StreamIndex) TotalBytes() int64 {
	si.mu.RLock()
	defer si.mu.RUnlock()
	var total int64
	for _, r := range si.committed {
		total += r.SampleFileBytes
	}
	return total
}

// Index aggregates one StreamIndex per configured stream.
type Index struct {
	mu      sync.RWMutex
	streams map[int32]*StreamIndex
}

// NewIndex returns an empty multi-stream index.
func NewIndex() *Index {
	return &Index{streams: make(map[int32]*StreamIndex)}
}

// Stream returns (creating if necessary) the index for one stream id.
func (idx *Index) Stream(streamID int32) *StreamIndex {
	idx.mu.RLock()
	si, ok := idx.streams[streamID]
	idx.mu.RUnlock()
	if ok {
		return si
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if si, ok := idx.streams[streamID]; ok {
		return si
	}
	si = New(streamID)
	idx.streams[streamID] = si
	return si
}

// StreamIDs returns every stream id currently registered.
func (idx *Index) StreamIDs() []int32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]int32, 0, len(idx.streams))
	for id := range idx.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
