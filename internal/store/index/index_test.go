package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/quietstream/nvr/internal/model"
)

func rec(streamID int32, seq uint32, start, dur model.Clock90k, bytes int64) model.Recording {
	return model.Recording{
		ID:              model.NewCompositeID(streamID, seq),
		StartTime90k:    start,
		WallDuration90k: dur,
		SampleFileBytes: bytes,
	}
}

func TestLoadAndSnapshotRange(t *testing.T) {
	si := New(1)
	si.Load([]model.Recording{
		rec(1, 1, 0, 100, 10),
		rec(1, 2, 100, 100, 10),
		rec(1, 3, 200, 100, 10),
	})

	got := si.Snapshot(100, 300)
	require.Len(t, got, 2)
	assert.Equal(t, model.NewCompositeID(1, 2), got[0].ID)
	assert.Equal(t, model.NewCompositeID(1, 3), got[1].ID)
}

func TestAddKeepsSortedOrder(t *testing.T) {
	si := New(1)
	si.Add(rec(1, 2, 200, 50, 5))
	si.Add(rec(1, 1, 0, 50, 5))
	si.Add(rec(1, 3, 400, 50, 5))

	all := si.All()
	require.Len(t, all, 3)
	assert.Equal(t, model.Clock90k(0), all[0].StartTime90k)
	assert.Equal(t, model.Clock90k(200), all[1].StartTime90k)
	assert.Equal(t, model.Clock90k(400), all[2].StartTime90k)
}

func TestRemove(t *testing.T) {
	si := New(1)
	si.Add(rec(1, 1, 0, 50, 5))
	si.Add(rec(1, 2, 50, 50, 5))
	si.Remove(model.NewCompositeID(1, 1))

	all := si.All()
	require.Len(t, all, 1)
	assert.Equal(t, model.NewCompositeID(1, 2), all[0].ID)
}

func TestUncommittedTailIncludedInSnapshot(t *testing.T) {
	si := New(1)
	si.Load([]model.Recording{rec(1, 1, 0, 100, 10)})
	si.SetUncommitted(rec(1, 2, 100, 40, 4))

	got := si.Snapshot(0, 1000)
	require.Len(t, got, 2)

	si.ClearUncommitted()
	got = si.Snapshot(0, 1000)
	require.Len(t, got, 1)
}

func TestTotalBytesExcludesUncommitted(t *testing.T) {
	si := New(1)
	si.Load([]model.Recording{rec(1, 1, 0, 100, 10)})
	si.SetUncommitted(rec(1, 2, 100, 40, 999))

	assert.EqualValues(t, 10, si.TotalBytes())
}

func TestIndexCreatesStreamOnDemand(t *testing.T) {
	idx := NewIndex()
	s1 := idx.Stream(1)
	s2 := idx.Stream(1)
	assert.Same(t, s1, s2)

	idx.Stream(2)
	assert.Equal(t, []int32{1, 2}, idx.StreamIDs())
}
