// Package state persists the per-location fetch cursor between runs.
//
// The state file is the watermark that makes incremental loading
// incremental: losing it is safe (the next run refetches everything
// and the merge discards the duplicates), but corrupting it is not.
// Reads therefore fail soft while writes fail hard.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LocationState is the cursor for one monitoring location.
//
// LastFetchTime is the `date_from` watermark for the next fetch; empty
// means "fetch all available data". It is advanced only after the
// location's archive has been durably written, so the cursor never
// points past persisted data.
type LocationState struct {
	LastFetchTime     string `json:"last_fetch_time"`
	LastRecordCount   int    `json:"last_records_count"`
	LastSuccessfulRun string `json:"last_successful_run"`
}

type stateFile struct {
	Locations map[int]LocationState `json:"locations"`
}

// Store reads and writes the state file.
type Store struct {
	path      string
	now       func() time.Time
	locations map[int]LocationState
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for LastSuccessfulRun.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store backed by the JSON file at path and loads
// whatever state is already there. Loading fails soft: a missing or
// unreadable file yields empty state and a warning, never an error.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locations = s.load()
	return s
}

// Get returns the cursor for a location, reporting whether one exists.
func (s *Store) Get(locationID int) (LocationState, bool) {
	st, ok := s.locations[locationID]
	return st, ok
}

// LastFetchTime returns the watermark for a location, or "" when the
// location has never completed a run (meaning: fetch all).
func (s *Store) LastFetchTime(locationID int) string {
	return s.locations[locationID].LastFetchTime
}

// Locations returns a copy of all tracked cursors.
func (s *Store) Locations() map[int]LocationState {
	out := make(map[int]LocationState, len(s.locations))
	for id, st := range s.locations {
		out[id] = st
	}
	return out
}

// RecordSuccess advances the cursor for a location and persists the
// whole state file. This is the only mutation path. Callers must
// invoke it only after the corresponding archive write has completed;
// a save failure must be treated as a failed run (the data is durable
// but the next run will refetch it).
func (s *Store) RecordSuccess(locationID int, fetchTime string, recordsAdded int) error {
	s.locations[locationID] = LocationState{
		LastFetchTime:     fetchTime,
		LastRecordCount:   recordsAdded,
		LastSuccessfulRun: s.now().UTC().Format(time.RFC3339),
	}
	return s.save()
}

// Reset deletes the state file and clears in-memory state, forcing a
// full refetch on the next run. Missing file is not an error.
func (s *Store) Reset() error {
	s.locations = make(map[int]LocationState)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reset state: %w", err)
	}
	return nil
}

func (s *Store) load() map[int]LocationState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not read state file, starting fresh", "path", s.path, "error", err)
		}
		return make(map[int]LocationState)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("could not parse state file, starting fresh", "path", s.path, "error", err)
		return make(map[int]LocationState)
	}
	if f.Locations == nil {
		return make(map[int]LocationState)
	}
	return f.Locations
}

// save writes the state file atomically (temp file + rename) so a
// crash mid-write never leaves a corrupt cursor behind.
func (s *Store) save() error {
	data, err := json.MarshalIndent(stateFile{Locations: s.locations}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
