package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqsync/internal/archive"
	"aqsync/internal/record"
)

func TestMergeReconcilesArchive(t *testing.T) {
	tmpDir := t.TempDir()
	archives := archive.NewStore(tmpDir)

	// Unsorted with one duplicate.
	a, b, c := testRecord(3459, 8), testRecord(3459, 9), testRecord(3459, 10)
	require.NoError(t, archives.Save(3459, []record.Measurement{c, a, b, a}))

	buf := &bytes.Buffer{}
	cmd := NewMergeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--locations", "3459", "--data-dir", tmpDir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "3 records, 1 duplicates removed")

	reconciled := archives.Load(3459)
	require.Equal(t, []record.Measurement{a, b, c}, reconciled, "sorted by start time, duplicates dropped")
	assert.FileExists(t, filepath.Join(tmpDir, "location_3459.json.backup"))
}

func TestMergeSkipsMissingArchive(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewMergeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--locations", "42", "--data-dir", t.TempDir()})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "location 42: no archive, skipped")
}

func TestMergeNoLocations(t *testing.T) {
	cmd := NewMergeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data-dir", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no locations")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMergeJSONOutput(t *testing.T) {
	tmpDir := t.TempDir()
	archives := archive.NewStore(tmpDir)
	require.NoError(t, archives.Save(7832, []record.Measurement{testRecord(7832, 8)}))

	buf := &bytes.Buffer{}
	cmd := NewMergeCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--locations", "7832", "--data-dir", tmpDir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), `"status":"ok"`)
	assert.Contains(t, buf.String(), `"location_id":7832`)
}
