package sampledir

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteStatUnlink(t *testing.T) {
	dir, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	const id = uint64(0x0000000100000007)
	f, err := dir.Create(id)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello sample bytes"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	require.NoError(t, dir.SyncDirectory())

	size, err := dir.Stat(id)
	require.NoError(t, err)
	require.EqualValues(t, len("hello sample bytes"), size)

	ro, err := dir.OpenRO(id)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(ro)
	require.NoError(t, err)
	require.NoError(t, ro.Close())
	require.Equal(t, "hello sample bytes", buf.String())

	require.NoError(t, dir.Unlink(id))
	_, err = dir.Stat(id)
	require.True(t, os.IsNotExist(err))

	// Unlinking again is a no-op, never an error.
	require.NoError(t, dir.Unlink(id))
}

func TestListFindsUncommittedFiles(t *testing.T) {
	dir, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ids := []uint64{0x1, 0x2, 0xdeadbeef}
	for _, id := range ids {
		_, err := dir.CopyInto(id, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	listed, err := dir.List()
	require.NoError(t, err)
	require.ElementsMatch(t, ids, listed)
}

func TestLastCompleteOpenRoundTrip(t *testing.T) {
	dir, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	zero, err := dir.LastCompleteOpen()
	require.NoError(t, err)
	require.Equal(t, uuid.UUID{}, zero)

	want := uuid.New()
	require.NoError(t, dir.SetLastCompleteOpen(want))

	got, err := dir.LastCompleteOpen()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
