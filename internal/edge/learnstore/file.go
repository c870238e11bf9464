// Package learnstore persists the edge processor's learning telemetry across
// sessions. Two implementations of [edge.Store] are provided: a JSON file
// store for single-host deployments and a PostgreSQL store for fleets.
package learnstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wayfarerhq/voicepipe/internal/edge"
)

// Compile-time interface check.
var _ edge.Store = (*FileStore)(nil)

// FileStore persists learning data as a single JSON document. Writes go
// through a temp file and rename so a crash mid-save never truncates the
// previous snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path. The parent directory is
// created on the first Save if missing.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements [edge.Store]. A missing file is not an error; it returns
// an empty table.
func (s *FileStore) Load(_ context.Context) (edge.LearningData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return edge.LearningData{}, nil
		}
		return nil, fmt.Errorf("learnstore: read %s: %w", s.path, err)
	}

	var data edge.LearningData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("learnstore: parse %s: %w", s.path, err)
	}
	return data, nil
}

// Save implements [edge.Store].
func (s *FileStore) Save(_ context.Context, data edge.LearningData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("learnstore: create directory: %w", err)
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("learnstore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("learnstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("learnstore: rename %s: %w", tmp, err)
	}
	return nil
}

// Close implements [edge.Store]. A FileStore holds no resources.
func (s *FileStore) Close() error {
	return nil
}
