// Package archive persists the per-location measurement archives.
//
// One JSON array file per location is the durable source of truth for
// that location's history. The archive is append-biased: each run's net
// effect is a monotonically growing record set, except for the
// explicit backup-and-replace performed by the bulk reconcile tool.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"aqsync/internal/record"
)

// Store reads and writes location archive files under a data directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory must already
// exist; Save reports an error otherwise.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the archive file path for a location.
func (s *Store) Path(locationID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("location_%d.json", locationID))
}

// Load reads a location's archive. Reads fail soft: a missing file is
// an empty archive, and a corrupt or non-array file is logged and
// treated as empty so a run can rebuild it.
func (s *Store) Load(locationID int) []record.Measurement {
	path := s.Path(locationID)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not read archive, treating as empty", "path", path, "error", err)
		}
		return nil
	}

	var records []record.Measurement
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("could not parse archive, treating as empty", "path", path, "error", err)
		return nil
	}
	return records
}

// Save writes a location's archive atomically (temp file + rename).
// Write failures are hard errors: the caller must fail the location's
// run rather than advance its cursor past unpersisted data.
func (s *Store) Save(locationID int, records []record.Measurement) error {
	data, err := encode(records)
	if err != nil {
		return fmt.Errorf("encode archive for location %d: %w", locationID, err)
	}

	path := s.Path(locationID)
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".location_%d-*.json", locationID))
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

// Backup renames the current archive file to <name>.backup, returning
// the backup path. Used by the reconcile tool before it rewrites an
// archive in place. A missing archive reports fs.ErrNotExist.
func (s *Store) Backup(locationID int) (string, error) {
	path := s.Path(locationID)
	backup := path + ".backup"
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("backup archive for location %d: %w", locationID, err)
	}
	return backup, nil
}

// Exists reports whether a location has an archive file on disk.
func (s *Store) Exists(locationID int) bool {
	_, err := os.Stat(s.Path(locationID))
	return err == nil
}

// encode renders the archive as pretty-printed UTF-8 JSON without HTML
// escaping, so the file round-trips byte-for-byte through load/save
// when nothing changed.
func encode(records []record.Measurement) ([]byte, error) {
	if records == nil {
		records = []record.Measurement{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
