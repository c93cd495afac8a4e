package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqsync/internal/record"
)

func TestFetchWritesFile(t *testing.T) {
	tmpDir := t.TempDir()
	srv := measurementServer(t, map[string][]record.Measurement{
		"3459": {testRecord(3459, 8), testRecord(3459, 9)},
	})
	cfgPath := writeTestConfig(t, tmpDir, srv.URL, tmpDir)
	outPath := filepath.Join(tmpDir, "location_3459.json")

	cmd := NewFetchCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--location", "3459", "--output", outPath})

	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var records []record.Measurement
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Len(t, records, 2)
	assert.Equal(t, 3459, records[0].LocationID)
}

func TestFetchStdout(t *testing.T) {
	tmpDir := t.TempDir()
	srv := measurementServer(t, map[string][]record.Measurement{
		"3459": {testRecord(3459, 8)},
	})
	cfgPath := writeTestConfig(t, tmpDir, srv.URL, tmpDir)

	out := &bytes.Buffer{}
	cmd := NewFetchCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--location", "3459"})

	require.NoError(t, cmd.Execute())

	var records []record.Measurement
	require.NoError(t, json.Unmarshal(out.Bytes(), &records))
	assert.Len(t, records, 1)
}

func TestFetchUnknownLocationWritesEmptyArray(t *testing.T) {
	tmpDir := t.TempDir()
	srv := measurementServer(t, nil)
	cfgPath := writeTestConfig(t, tmpDir, srv.URL, tmpDir)

	out := &bytes.Buffer{}
	cmd := NewFetchCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--location", "99"})

	require.NoError(t, cmd.Execute())
	assert.JSONEq(t, "[]", out.String())
}

func TestFetchMissingLocationFlag(t *testing.T) {
	cmd := NewFetchCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "location")
}
