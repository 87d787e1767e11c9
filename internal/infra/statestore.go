// Package infra implements infrastructure concerns (process, persistence,
// control-plane transport, session control).
package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearthguard/hearthd/internal/domain"
)

// FileStateStore persists one JSON document per logical store under the
// agent's data directory. Writes are atomic (temp file + rename); loads
// treat a missing or corrupt file as "no prior state".
type FileStateStore struct {
	dir string
}

// NewFileStateStore ensures the data directory exists.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

// Load reads the named document into v. Returns ok=false without error when
// the file is missing; a corrupt file is reported as an error with ok=false
// so callers can log and start empty.
func (s *FileStateStore) Load(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt state file %s: %w", name, err)
	}
	return true, nil
}

// Save writes the document atomically (write + rename), the same pattern
// the rest of the agent relies on for crash consistency.
func (s *FileStateStore) Save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	path := s.path(name)
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *FileStateStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

var _ domain.StateStore = (*FileStateStore)(nil)
