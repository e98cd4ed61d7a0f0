// Package store persists statistics state as a JSON file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/domain"
)

// FileStore implements domain.StateStore on top of a single JSON file.
// Saves go through a temporary file and a rename so a crash mid-write
// never leaves a truncated state behind.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore creates a store backed by the given path. The parent
// directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		logger: log.With().Str("component", "store").Logger(),
	}
}

// Load returns the stored state. A missing file yields an empty state.
func (s *FileStore) Load() (domain.StatisticsState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.StatisticsState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state domain.StatisticsState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	if state == nil {
		state = domain.StatisticsState{}
	}
	return state, nil
}

// Save replaces the stored state.
func (s *FileStore) Save(state domain.StatisticsState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.logger.Debug().Str("path", s.path).Int("zones", len(state)).Msg("Saved statistics state")
	return nil
}
