package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAddRegistersStreamAndDir(t *testing.T) {
	t.Setenv("NVR_DB_DIR", t.TempDir())
	sampleDir := filepath.Join(t.TempDir(), "cam1")

	require.NoError(t, runStreamAdd(1, sampleDir, 10<<30, 120))

	database, err := openDB()
	require.NoError(t, err)
	defer database.Close()

	streamRow, err := database.GetStream(1)
	require.NoError(t, err)
	assert.EqualValues(t, 10<<30, streamRow.RetainBytes)
	assert.EqualValues(t, 120, streamRow.FlushIfSec)

	dirRows, err := database.ListSampleFileDirs()
	require.NoError(t, err)
	require.Len(t, dirRows, 1)
	assert.Equal(t, sampleDir, dirRows[0].Path)
}

func TestStreamAddReusesExistingDirRow(t *testing.T) {
	t.Setenv("NVR_DB_DIR", t.TempDir())
	sampleDir := filepath.Join(t.TempDir(), "shared")

	require.NoError(t, runStreamAdd(1, sampleDir, 10<<30, 120))
	require.NoError(t, runStreamAdd(2, sampleDir, 10<<30, 120))

	database, err := openDB()
	require.NoError(t, err)
	defer database.Close()

	dirRows, err := database.ListSampleFileDirs()
	require.NoError(t, err)
	require.Len(t, dirRows, 1, "both streams should share the one sample_file_dir row")
}
