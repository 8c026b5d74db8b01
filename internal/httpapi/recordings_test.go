package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/store/index"
)

func rec(seq uint32, start, wall model.Clock90k, bytes int64) model.Recording {
	return model.Recording{
		ID:              model.NewCompositeID(1, seq),
		StartTime90k:    start,
		WallDuration90k: wall,
		SampleFileBytes: bytes,
		VideoSamples:    10,
	}
}

func TestGroupRecordingsUnlimitedSplitMergesAll(t *testing.T) {
	recs := []model.Recording{
		rec(1, 0, 1000, 100),
		rec(2, 1000, 1000, 100),
		rec(3, 2000, 1000, 100),
	}
	groups := groupRecordings(recs, 0)
	require.Len(t, groups, 1)
	assert.EqualValues(t, 300, groups[0].SampleFileBytes)
	assert.EqualValues(t, 0, groups[0].StartTime90k)
	assert.EqualValues(t, 3000, groups[0].EndTime90k)
}

func TestGroupRecordingsSplitStartsNewGroup(t *testing.T) {
	recs := []model.Recording{
		rec(1, 0, 1000, 100),
		rec(2, 1000, 1000, 100),
		rec(3, 2000, 1000, 100),
	}
	groups := groupRecordings(recs, 2000)
	require.Len(t, groups, 2)
	assert.EqualValues(t, 200, groups[0].SampleFileBytes)
	assert.EqualValues(t, 100, groups[1].SampleFileBytes)
}

func TestOverlappingIncludesRecordingStartingBeforeWindow(t *testing.T) {
	idx := index.NewIndex()
	idx.Stream(1).Load([]model.Recording{rec(1, 0, 5000, 100)})

	out := overlapping(idx, 1, 4000, 10000)
	require.Len(t, out, 1)
}

func TestOverlappingExcludesRecordingEndingBeforeWindow(t *testing.T) {
	idx := index.NewIndex()
	idx.Stream(1).Load([]model.Recording{rec(1, 0, 1000, 100)})

	out := overlapping(idx, 1, 2000, 10000)
	require.Len(t, out, 0)
}
