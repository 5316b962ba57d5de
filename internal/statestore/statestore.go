// Package statestore persists per-download resume state so an interrupted
// transfer can continue after a process restart. One JSON record per request
// id; a record exists on disk exactly while a resumable transfer is in
// progress or was interrupted mid-transfer.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tubefetch/tubefetch/internal/media"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// State is the persisted resume snapshot for one download.
type State struct {
	ID              string                  `json:"id"`
	URL             string                  `json:"url"`
	OutputDir       string                  `json:"outputDir"`
	FileName        string                  `json:"fileName"`
	OutputFormat    media.OutputFormat      `json:"outputFormat"`
	Quality         media.QualityPreference `json:"quality"`
	DownloadedBytes int64                   `json:"downloadedBytes"`
	TotalBytes      int64                   `json:"totalBytes,omitempty"`
	ETag            string                  `json:"etag,omitempty"`
	LastModified    string                  `json:"lastModified,omitempty"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

// Store reads and writes state records under a base directory. Records are
// keyed by request id, so concurrent sessions never contend on one record.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Get loads the state for a request id. A missing record is not an error; it
// means "start from zero".
func (s *Store) Get(id string) (*State, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}

	return &state, nil
}

// Save overwrites the record for state.ID.
func (s *Store) Save(state *State) error {
	if err := os.MkdirAll(s.baseDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := os.WriteFile(s.path(state.ID), data, filePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// List loads every state record in the store. Unreadable or corrupt records
// are skipped; a missing base directory yields an empty list.
func (s *Store) List() ([]State, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var states []State

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}

		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}

		states = append(states, state)
	}

	return states, nil
}

// Delete removes the record for a request id. Deleting a record that does
// not exist is not an error.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}

	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}
