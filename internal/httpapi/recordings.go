package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/index"
)

// RecordingGroup is one entry of a GET /recordings response: a run of
// one or more consecutive recordings aggregated so the response stays
// small for long time windows, per the split90k paging parameter.
type RecordingGroup struct {
	StreamID           int32          `json:"streamId"`
	StartID            string         `json:"startId"`
	EndID              string         `json:"endId"`
	StartTime90k       model.Clock90k `json:"startTime90k"`
	EndTime90k         model.Clock90k `json:"endTime90k"`
	VideoSampleEntryID int64          `json:"videoSampleEntryId"`
	SampleFileBytes    int64          `json:"sampleFileBytes"`
	VideoSamples       int32          `json:"videoSamples"`
}

// groupRecordings walks recs (already sorted ascending by StartTime90k)
// and folds consecutive recordings into groups, starting a new group
// whenever appending the next recording would push the group's
// aggregated media duration past split90k. split90k <= 0 means
// unlimited: everything folds into a single group.
func groupRecordings(recs []model.Recording, split90k model.Clock90k) []RecordingGroup {
	var groups []RecordingGroup
	var cur *RecordingGroup
	var curMediaDuration model.Clock90k

	for _, r := range recs {
		if cur != nil && split90k > 0 && curMediaDuration+r.MediaDuration90k() > split90k {
			cur = nil
		}
		if cur == nil {
			groups = append(groups, RecordingGroup{})
			cur = &groups[len(groups)-1]
			cur.StreamID = r.ID.StreamID()
			cur.StartID = strconv.FormatUint(uint64(r.ID), 10)
			cur.StartTime90k = r.StartTime90k
			cur.VideoSampleEntryID = r.VideoSampleEntryID
			curMediaDuration = 0
		}
		cur.EndID = strconv.FormatUint(uint64(r.ID), 10)
		cur.EndTime90k = r.EndTime90k()
		cur.SampleFileBytes += r.SampleFileBytes
		cur.VideoSamples += r.VideoSamples
		curMediaDuration += r.MediaDuration90k()
	}
	return groups
}

// overlapping returns every recording (committed or the writer's
// uncommitted tail) held for streamID whose playback interval
// intersects [start, end), ascending by start time. Unlike
// StreamIndex.Snapshot, which only range-filters by StartTime90k, this
// also includes a recording that starts before the window but extends
// into it, matching the "intersects" semantics GET /recordings promises.
func overlapping(idx *index.Index, streamID int32, start, end model.Clock90k) []model.Recording {
	all := idx.Stream(streamID).All()
	var out []model.Recording
	for _, r := range all {
		if r.EndTime90k() > start && r.StartTime90k < end {
			out = append(out, r)
		}
	}
	return out
}

// RecordingsHandler serves GET /recordings.
type RecordingsHandler struct {
	index *index.Index
}

// NewRecordingsHandler constructs a RecordingsHandler.
func NewRecordingsHandler(idx *index.Index) *RecordingsHandler {
	return &RecordingsHandler{index: idx}
}

func (h *RecordingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	streamID, err := strconv.ParseInt(q.Get("stream"), 10, 32)
	if err != nil {
		http.Error(w, "httpapi: missing or malformed stream parameter", http.StatusBadRequest)
		return
	}
	start, err := parseClock90k(q.Get("start90k"), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseClock90k(q.Get("end90k"), 1<<62)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	split, err := parseClock90k(q.Get("split90k"), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recs := overlapping(h.index, int32(streamID), start, end)
	groups := groupRecordings(recs, split)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Recordings []RecordingGroup `json:"recordings"`
	}{Recordings: groups})
}

func parseClock90k(s string, def model.Clock90k) (model.Clock90k, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
