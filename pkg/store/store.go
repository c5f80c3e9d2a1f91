package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists one JSON document per logical collection under a state
// directory. Documents are read fully on startup and rewritten on each
// mutation; writes go through a temp file and rename so a crash never leaves
// a partially written document behind.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the named document into v. A missing document is not an error;
// v is left untouched and ok reports false.
func (s *Store) Load(name string, v interface{}) (ok bool, err error) {
	path, err := s.docPath(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt document %s: %w", name, err)
	}
	return true, nil
}

// Save writes v as the named document. The write is atomic: data lands in a
// temp file in the same directory, is fsynced, then renamed over the target.
func (s *Store) Save(name string, v interface{}) error {
	path, err := s.docPath(name)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpFile, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o644); err != nil {
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

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// docPath rejects names that would escape the state directory.
func (s *Store) docPath(name string) (string, error) {
	if name == "" || name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", os.ErrInvalid
	}
	return filepath.Join(s.dir, name+".json"), nil
}
