package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the name of the TOML state file inside the state directory
const FileName = "state.toml"

// FileBackend stores the state as a human-readable TOML document
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend that reads and writes path
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Location returns the state file path
func (b *FileBackend) Location() string {
	return b.path
}

// Load parses the state file. A missing file yields an empty store.
func (b *FileBackend) Load() (*Store, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewStore(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	s := NewStore()
	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if s.Repos == nil {
		s.Repos = make(map[string]map[string]*RepoTagState)
	}
	return s, nil
}

// Save writes the store to a temporary file next to the state file and
// renames it into place.
func (b *FileBackend) Save(s *Store) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tagsyncd-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, b.path)
}

// Close is a no-op for file backends
func (b *FileBackend) Close() error {
	return nil
}
